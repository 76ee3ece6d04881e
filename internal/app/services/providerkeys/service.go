package providerkeys

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/pkg/logger"
)

const hintLength = 4

// Service manages workspace provider credentials. Secrets are encrypted
// before they reach the store and decrypted only for the proxy via Reveal.
type Service struct {
	store  storage.ProviderKeyStore
	log    *logger.Logger
	cipher Cipher
}

// Option customises service construction.
type Option func(*Service)

// WithCipher selects the cipher used for secrets at rest.
func WithCipher(c Cipher) Option {
	return func(s *Service) {
		if c != nil {
			s.cipher = c
		}
	}
}

// New constructs a provider key service. Without WithCipher the service
// falls back to plaintext storage and says so loudly.
func New(store storage.ProviderKeyStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("providerkeys")
	}
	svc := &Service{store: store, log: log, cipher: plaintextCipher{}}
	for _, opt := range opts {
		opt(svc)
	}
	if _, ok := svc.cipher.(plaintextCipher); ok {
		svc.log.Warn("no encryption key configured; provider keys will be stored in plaintext")
	}
	return svc
}

// Create stores a new credential for the workspace. One key per provider;
// custom providers must carry a base URL.
func (s *Service) Create(ctx context.Context, workspaceID string, p providerkey.Provider, label, secret, baseURL string) (providerkey.Key, error) {
	if workspaceID == "" {
		return providerkey.Key{}, fmt.Errorf("workspace_id is required")
	}
	if !p.Valid() {
		return providerkey.Key{}, fmt.Errorf("invalid provider %q", p)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return providerkey.Key{}, fmt.Errorf("secret is required")
	}
	if p == providerkey.ProviderCustom && strings.TrimSpace(baseURL) == "" {
		return providerkey.Key{}, fmt.Errorf("base_url is required for custom providers")
	}
	if _, err := s.store.GetProviderKeyByProvider(ctx, workspaceID, p); err == nil {
		return providerkey.Key{}, fmt.Errorf("a %s key already exists for this workspace", p)
	}

	ciphertext, err := s.cipher.Encrypt([]byte(secret))
	if err != nil {
		return providerkey.Key{}, fmt.Errorf("encrypt secret: %w", err)
	}

	created, err := s.store.CreateProviderKey(ctx, providerkey.Key{
		WorkspaceID: workspaceID,
		Provider:    p,
		Label:       strings.TrimSpace(label),
		Ciphertext:  ciphertext,
		KeyHint:     hint(secret),
		BaseURL:     strings.TrimSpace(baseURL),
		Version:     1,
	})
	if err != nil {
		return providerkey.Key{}, err
	}
	s.log.Infof("provider key %s/%s created (hint %s)", created.WorkspaceID, created.Provider, created.KeyHint)
	return scrub(created), nil
}

// Update rotates the stored secret and bumps the key version.
func (s *Service) Update(ctx context.Context, workspaceID, id, secret string) (providerkey.Key, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return providerkey.Key{}, fmt.Errorf("secret is required")
	}
	k, err := s.owned(ctx, workspaceID, id)
	if err != nil {
		return providerkey.Key{}, err
	}

	ciphertext, err := s.cipher.Encrypt([]byte(secret))
	if err != nil {
		return providerkey.Key{}, fmt.Errorf("encrypt secret: %w", err)
	}
	k.Ciphertext = ciphertext
	k.KeyHint = hint(secret)
	k.Version++

	updated, err := s.store.UpdateProviderKey(ctx, k)
	if err != nil {
		return providerkey.Key{}, err
	}
	s.log.Infof("provider key %s/%s rotated to version %d", updated.WorkspaceID, updated.Provider, updated.Version)
	return scrub(updated), nil
}

// Get returns key metadata. The ciphertext never leaves the service.
func (s *Service) Get(ctx context.Context, workspaceID, id string) (providerkey.Key, error) {
	k, err := s.owned(ctx, workspaceID, id)
	if err != nil {
		return providerkey.Key{}, err
	}
	return scrub(k), nil
}

// List returns the workspace's key metadata.
func (s *Service) List(ctx context.Context, workspaceID string) ([]providerkey.Key, error) {
	keys, err := s.store.ListProviderKeys(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i] = scrub(keys[i])
	}
	return keys, nil
}

// Delete removes a credential.
func (s *Service) Delete(ctx context.Context, workspaceID, id string) error {
	if _, err := s.owned(ctx, workspaceID, id); err != nil {
		return err
	}
	return s.store.DeleteProviderKey(ctx, id)
}

// Reveal decrypts a key for outbound use by the proxy.
func (s *Service) Reveal(ctx context.Context, workspaceID, id string) (providerkey.Key, string, error) {
	k, err := s.owned(ctx, workspaceID, id)
	if err != nil {
		return providerkey.Key{}, "", err
	}
	plaintext, err := s.cipher.Decrypt(k.Ciphertext)
	if err != nil {
		return providerkey.Key{}, "", fmt.Errorf("decrypt provider key: %w", err)
	}
	return scrub(k), string(plaintext), nil
}

// RevealByProvider resolves the workspace's key for a provider family and
// decrypts it.
func (s *Service) RevealByProvider(ctx context.Context, workspaceID string, p providerkey.Provider) (providerkey.Key, string, error) {
	k, err := s.store.GetProviderKeyByProvider(ctx, workspaceID, p)
	if err != nil {
		return providerkey.Key{}, "", err
	}
	plaintext, err := s.cipher.Decrypt(k.Ciphertext)
	if err != nil {
		return providerkey.Key{}, "", fmt.Errorf("decrypt provider key: %w", err)
	}
	return scrub(k), string(plaintext), nil
}

// owned loads a key and checks workspace ownership. A foreign key reads as
// absent, never as forbidden.
func (s *Service) owned(ctx context.Context, workspaceID, id string) (providerkey.Key, error) {
	k, err := s.store.GetProviderKey(ctx, id)
	if err != nil {
		return providerkey.Key{}, err
	}
	if k.WorkspaceID != workspaceID {
		return providerkey.Key{}, sql.ErrNoRows
	}
	return k, nil
}

func scrub(k providerkey.Key) providerkey.Key {
	k.Ciphertext = ""
	return k
}

func hint(secret string) string {
	if len(secret) <= hintLength {
		return secret
	}
	return secret[len(secret)-hintLength:]
}
