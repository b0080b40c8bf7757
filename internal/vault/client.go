package vault

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"deriv-bot-manager/config"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when no credential is stored under a name
var ErrSecretNotFound = errors.New("secret not found")

// valueKey is the KV v2 field a credential's value is kept in
const valueKey = "value"

// Client reads and writes named worker credentials in a KV v2 mount.
// A disabled client keeps them in memory, which is what development and tests use.
type Client struct {
	kv     *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	local map[string]string
}

func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, local: map[string]string{}}
	if !cfg.Enabled {
		return c, nil
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := apiCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("vault tls: %w", err)
		}
	}

	kv, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	kv.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		kv.SetNamespace(cfg.Namespace)
	}
	c.kv = kv
	return c, nil
}

// NewMockClient returns a disabled client preloaded with secrets
func NewMockClient(secrets map[string]string) *Client {
	c := &Client{local: make(map[string]string, len(secrets))}
	for name, v := range secrets {
		c.local[name] = v
	}
	return c
}

func (c *Client) IsEnabled() bool { return c.config.Enabled }

// GetSecret returns the credential stored under name
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	if !c.IsEnabled() {
		c.mu.RLock()
		v, ok := c.local[name]
		c.mu.RUnlock()
		if !ok {
			return "", ErrSecretNotFound
		}
		return v, nil
	}

	p := c.secretPath(name)
	sec, err := c.kv.Logical().ReadWithContext(ctx, p)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", name, err)
	}
	if sec == nil || sec.Data == nil {
		return "", ErrSecretNotFound
	}
	fields, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("vault read %s: unexpected payload at %s", name, p)
	}
	if v, _ := fields[valueKey].(string); v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// StoreSecret writes a new version of the credential
func (c *Client) StoreSecret(ctx context.Context, name, value string) error {
	if !c.IsEnabled() {
		c.mu.Lock()
		c.local[name] = value
		c.mu.Unlock()
		return nil
	}

	body := map[string]interface{}{"data": map[string]interface{}{valueKey: value}}
	if _, err := c.kv.Logical().WriteWithContext(ctx, c.secretPath(name), body); err != nil {
		return fmt.Errorf("vault write %s: %w", name, err)
	}
	return nil
}

// DeleteSecret drops the credential along with its version history
func (c *Client) DeleteSecret(ctx context.Context, name string) error {
	if !c.IsEnabled() {
		c.mu.Lock()
		delete(c.local, name)
		c.mu.Unlock()
		return nil
	}

	if _, err := c.kv.Logical().DeleteWithContext(ctx, c.metadataPath(name)); err != nil {
		return fmt.Errorf("vault delete %s: %w", name, err)
	}
	return nil
}

// Health fails when Vault is unreachable or sealed. A disabled client is always healthy.
func (c *Client) Health(ctx context.Context) error {
	if !c.IsEnabled() {
		return nil
	}
	h, err := c.kv.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if h.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(name string) string {
	return path.Join(c.config.MountPath, "data", c.config.SecretPath, name)
}

func (c *Client) metadataPath(name string) string {
	return path.Join(c.config.MountPath, "metadata", c.config.SecretPath, name)
}
