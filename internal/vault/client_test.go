package vault

import (
	"context"
	"errors"
	"testing"

	"deriv-bot-manager/config"
)

func TestMockClient_GetSecret(t *testing.T) {
	c := NewMockClient(map[string]string{"DERIV_TOKEN_A": "tok-A"})
	ctx := context.Background()

	got, err := c.GetSecret(ctx, "DERIV_TOKEN_A")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "tok-A" {
		t.Errorf("Expected 'tok-A', got %q", got)
	}

	if _, err := c.GetSecret(ctx, "MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}
}

func TestDisabledClient_StoreAndDelete(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c.IsEnabled() {
		t.Error("Expected disabled client")
	}
	ctx := context.Background()

	if err := c.StoreSecret(ctx, "name", "secret"); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	if v, _ := c.GetSecret(ctx, "name"); v != "secret" {
		t.Errorf("Expected stored secret, got %q", v)
	}
	if err := c.DeleteSecret(ctx, "name"); err != nil {
		t.Fatalf("DeleteSecret failed: %v", err)
	}
	if _, err := c.GetSecret(ctx, "name"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected secret removed, got %v", err)
	}
	if err := c.Health(ctx); err != nil {
		t.Errorf("Expected disabled health to pass, got %v", err)
	}
}

func TestSecretPaths(t *testing.T) {
	c := &Client{config: config.VaultConfig{MountPath: "secret", SecretPath: "deriv-bots/credentials"}}
	if got, want := c.secretPath("TOK"), "secret/data/deriv-bots/credentials/TOK"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if got, want := c.metadataPath("TOK"), "secret/metadata/deriv-bots/credentials/TOK"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
