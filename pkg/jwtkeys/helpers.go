package jwtkeys

import (
	"context"
	"time"

	"github.com/velora/dispatch/pkg/config"
)

// NewKeyringFromConfig builds a Keyring from the shared JWT configuration.
func NewKeyringFromConfig(ctx context.Context, cfg config.JWTConfig) (*Keyring, error) {
	return NewKeyring(ctx, Config{
		KeyringFile:     cfg.KeyringFile,
		LegacySecret:    cfg.Secret,
		RefreshInterval: time.Duration(cfg.KeyRefreshMinutes) * time.Minute,
	})
}
