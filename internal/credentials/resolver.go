package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"

	"deriv-bot-manager/internal/vault"
)

// ErrUnresolved is returned when a reference cannot be turned into a secret
var ErrUnresolved = errors.New("credential unresolved")

// ErrNotFound is returned by a Source that has no entry under the name
var ErrNotFound = errors.New("credential source: name not found")

// Source looks up a named secret. Implementations return ErrNotFound for absent names.
type Source interface {
	Lookup(ctx context.Context, name string) (string, error)
	Name() string
}

// Resolver turns references into usable secrets. It does not cache.
type Resolver struct {
	sources []Source
}

// NewResolver builds a resolver that consults sources in order
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// Resolve returns the secret for ref. Every failure wraps ErrUnresolved.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	if ref.Kind() == KindLiteral {
		return ref.value, nil
	}

	name := ref.Name()
	var lastErr error
	for _, src := range r.sources {
		secret, err := src.Lookup(ctx, name)
		if err == nil && secret != "" {
			return secret, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			lastErr = fmt.Errorf("%s: %w", src.Name(), err)
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnresolved, name, lastErr)
	}
	return "", fmt.Errorf("%w: %q is not configured", ErrUnresolved, name)
}

// EnvSource reads the process environment
type EnvSource struct {
	// LookupEnv defaults to os.LookupEnv
	LookupEnv func(string) (string, bool)
}

func (EnvSource) Name() string { return "env" }

func (s EnvSource) Lookup(_ context.Context, name string) (string, error) {
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(name); ok && v != "" {
		return v, nil
	}
	return "", ErrNotFound
}

// MapSource is a fixed set of names, mostly for tests and static configs
type MapSource map[string]string

func (MapSource) Name() string { return "map" }

func (m MapSource) Lookup(_ context.Context, name string) (string, error) {
	if v, ok := m[name]; ok && v != "" {
		return v, nil
	}
	return "", ErrNotFound
}

// VaultSource reads named secrets from Vault KV
type VaultSource struct {
	client *vault.Client
}

func NewVaultSource(client *vault.Client) *VaultSource {
	return &VaultSource{client: client}
}

func (*VaultSource) Name() string { return "vault" }

func (s *VaultSource) Lookup(ctx context.Context, name string) (string, error) {
	v, err := s.client.GetSecret(ctx, name)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", ErrNotFound
	}
	return v, err
}
