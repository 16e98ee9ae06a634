// Package vault reads and writes secret payloads in an OpenBao or Vault
// KV version 2 mount.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/atinyakov/GophBroker/internal/config"
)

// ErrNoData is returned when a path holds no secret.
var ErrNoData = errors.New("no secret data")

// KV is a KV v2 client bound to one mount.
type KV struct {
	client *api.Client
	mount  string
}

// New creates a client for the vault described by cfg.
func New(cfg config.Vault) (*KV, error) {
	apiCfg := api.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", apiCfg.Error)
	}
	apiCfg.Address = cfg.Address

	tlsCfg := &api.TLSConfig{Insecure: !cfg.VerifyTLS, CACert: cfg.CACert}
	if err := apiCfg.ConfigureTLS(tlsCfg); err != nil {
		return nil, fmt.Errorf("vault tls: %w", err)
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &KV{client: client, mount: cfg.Mount}, nil
}

// Read returns the latest version of the secret at path.
func (k *KV) Read(ctx context.Context, path string) (map[string]any, error) {
	secret, err := k.client.KVv2(k.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("read %s: %w", path, ErrNoData)
	}
	return secret.Data, nil
}

// Write stores data as a new version of the secret at path.
func (k *KV) Write(ctx context.Context, path string, data map[string]any) error {
	if _, err := k.client.KVv2(k.mount).Put(ctx, path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Health reports whether the vault is initialized and unsealed.
func (k *KV) Health(ctx context.Context) error {
	resp, err := k.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if !resp.Initialized || resp.Sealed {
		return fmt.Errorf("vault health: initialized=%t sealed=%t", resp.Initialized, resp.Sealed)
	}
	return nil
}
