package jwtkeys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/velora/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// ErrKeyNotFound is returned when a kid cannot be resolved to a verification key.
var ErrKeyNotFound = errors.New("jwtkeys: verification key not found")

// KeyProvider resolves secrets for JWT verification. Dispatch never mints
// tokens; the identity service signs them and publishes the keyring this
// package reads.
type KeyProvider interface {
	ResolveKey(kid string) ([]byte, error)
	LegacyKey() []byte
}

// VerificationKey is one entry of the published keyring. Secret is
// base64-encoded on disk.
type VerificationKey struct {
	KID      string    `json:"kid"`
	Secret   string    `json:"secret"`
	NotAfter time.Time `json:"not_after"`
	Revoked  bool      `json:"revoked"`
}

// Source loads the current keyring.
type Source interface {
	Load(ctx context.Context) ([]VerificationKey, error)
}

// Config drives the Keyring.
type Config struct {
	// KeyringFile is the JSON keyring the identity service publishes. Empty
	// keeps the legacy secret only.
	KeyringFile     string
	LegacySecret    string
	RefreshInterval time.Duration

	// Source overrides the file source, used by tests.
	Source Source
}

// Keyring caches the identity service's verification keys and answers kid
// lookups for the auth middleware.
type Keyring struct {
	mu              sync.RWMutex
	keys            map[string]keyEntry
	source          Source
	legacySecret    []byte
	refreshInterval time.Duration
}

type keyEntry struct {
	secret   []byte
	notAfter time.Time
	revoked  bool
}

// NewKeyring loads the keyring once and returns it. A missing keyring file
// is not an error: verification falls back to the legacy secret until the
// identity service publishes keys.
func NewKeyring(ctx context.Context, cfg Config) (*Keyring, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}

	source := cfg.Source
	if source == nil {
		source = &fileSource{path: cfg.KeyringFile}
	}

	k := &Keyring{
		keys:            make(map[string]keyEntry),
		source:          source,
		legacySecret:    []byte(cfg.LegacySecret),
		refreshInterval: cfg.RefreshInterval,
	}
	if err := k.Refresh(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

// ResolveKey implements KeyProvider. Revoked and expired keys resolve to
// ErrKeyNotFound so tokens signed with them stop verifying immediately.
func (k *Keyring) ResolveKey(kid string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if kid == "" {
		return nil, ErrKeyNotFound
	}
	entry, ok := k.keys[kid]
	if !ok || entry.revoked || time.Now().After(entry.notAfter) {
		return nil, ErrKeyNotFound
	}
	return entry.secret, nil
}

// LegacyKey returns the static secret used before the keyring existed.
func (k *Keyring) LegacyKey() []byte {
	return k.legacySecret
}

// Refresh reloads the keyring from its source.
func (k *Keyring) Refresh(ctx context.Context) error {
	loaded, err := k.source.Load(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]keyEntry, len(loaded))
	for _, key := range loaded {
		secret, err := base64.StdEncoding.DecodeString(key.Secret)
		if err != nil {
			logger.Warn("skipping malformed verification key",
				zap.String("kid", key.KID),
				zap.Error(err),
			)
			continue
		}
		next[key.KID] = keyEntry{secret: secret, notAfter: key.NotAfter, revoked: key.Revoked}
	}

	k.mu.Lock()
	k.keys = next
	k.mu.Unlock()
	return nil
}

// StartAutoRefresh picks up identity-service key rotations in the
// background. A failed refresh keeps the previous keyring.
func (k *Keyring) StartAutoRefresh(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(k.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := k.Refresh(ctx); err != nil {
					logger.Warn("jwt keyring refresh failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

type fileSource struct {
	path string
}

func (s *fileSource) Load(_ context.Context) ([]VerificationKey, error) {
	if s.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []VerificationKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// StaticProvider serves deployments that still share a single secret.
type StaticProvider struct {
	secret []byte
}

// NewStaticProvider creates a KeyProvider backed by a single secret.
func NewStaticProvider(secret string) KeyProvider {
	return &StaticProvider{secret: []byte(secret)}
}

// ResolveKey implements KeyProvider by ignoring kid values.
func (p *StaticProvider) ResolveKey(string) ([]byte, error) {
	if len(p.secret) == 0 {
		return nil, ErrKeyNotFound
	}
	return p.secret, nil
}

// LegacyKey returns the static secret.
func (p *StaticProvider) LegacyKey() []byte {
	return p.secret
}
