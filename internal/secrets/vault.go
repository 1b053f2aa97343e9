package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/config"
)

// VaultManager resolves "vault:path" references against a KV v2 mount.
type VaultManager struct {
	client *vault.Client
	mount  string
	logger *zap.Logger
}

func NewVaultManager(cfg *config.Config, baseLogger *zap.Logger) (*VaultManager, error) {
	log := baseLogger.Named("vault-manager")
	if !cfg.VaultEnabled {
		log.Debug("Vault secret manager is disabled via configuration.")
		return &VaultManager{logger: log}, nil
	}

	log.Info("Initializing Vault secret manager", zap.String("address", cfg.VaultAddr))

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.VaultAddr
	vConfig.Timeout = 10 * time.Second
	if err := vConfig.ConfigureTLS(&vault.TLSConfig{CACert: cfg.VaultCACert, Insecure: cfg.VaultSkipVerify}); err != nil {
		return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	} else {
		log.Warn("Vault is enabled but VAULT_TOKEN is empty; requests will be unauthenticated")
	}

	mount := cfg.VaultMount
	if mount == "" {
		mount = "secret"
	}
	return &VaultManager{client: client, mount: mount, logger: log}, nil
}

func (m *VaultManager) IsEnabled() bool {
	return m != nil && m.client != nil
}

// Resolve reads a KV v2 secret. The password key must hold a non-empty
// string; the username key is optional.
func (m *VaultManager) Resolve(ctx context.Context, ref, usernameKey, passwordKey string) (*Credentials, error) {
	if !m.IsEnabled() {
		return nil, fmt.Errorf("vault manager is not enabled")
	}
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "vault" {
		return nil, fmt.Errorf("vault manager cannot handle %q references", parsed.Scheme)
	}
	if usernameKey == "" {
		usernameKey = "username"
	}
	if passwordKey == "" {
		passwordKey = "password"
	}

	log := m.logger.With(zap.String("vault_path", parsed.Path))
	secret, err := m.client.KVv2(m.mount).Get(ctx, parsed.Path)
	if err != nil {
		var respErr *vault.ResponseError
		if errors.Is(err, vault.ErrSecretNotFound) || (errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound) {
			return nil, fmt.Errorf("secret %q not found in vault: %w", parsed.Path, err)
		}
		log.Warn("Failed to read secret from Vault", zap.Error(err))
		return nil, fmt.Errorf("failed to read secret %q from vault: %w", parsed.Path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %q is empty", parsed.Path)
	}

	password, ok := secret.Data[passwordKey].(string)
	if !ok || password == "" {
		return nil, fmt.Errorf("key %q in secret %q is missing or not a non-empty string", passwordKey, parsed.Path)
	}
	username, _ := secret.Data[usernameKey].(string)

	log.Debug("Retrieved credentials from Vault")
	return &Credentials{Username: username, Password: password}, nil
}
