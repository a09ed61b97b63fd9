package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"
)

const (
	serviceName = "fieldsync"
	sessionKey  = "session"
)

// DefaultKeyringConfig stores the session in the OS keychain, falling back
// to an encrypted file under ~/.config/fieldsync.
func DefaultKeyringConfig() keyring.Config {
	return keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/fieldsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("fieldsync-file-key"),
		KeychainTrustApplication: true,
	}
}

// KeyringProvider persists the signed-in identity in the system keyring,
// so a collector stays attributed across restarts while offline.
type KeyringProvider struct {
	config keyring.Config
}

// NewKeyringProvider returns a provider using cfg.
func NewKeyringProvider(cfg keyring.Config) *KeyringProvider {
	return &KeyringProvider{config: cfg}
}

func (p *KeyringProvider) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(p.config)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Current returns the stored identity, or nil when no session is stored.
func (p *KeyringProvider) Current(context.Context) (*Identity, error) {
	ring, err := p.open()
	if err != nil {
		return nil, err
	}

	item, err := ring.Get(sessionKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(item.Data, &id); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &id, nil
}

// SignIn stores id as the current session.
func (p *KeyringProvider) SignIn(id Identity) error {
	ring, err := p.open()
	if err != nil {
		return err
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: sessionKey, Data: data, Label: "fieldsync session"}); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// SignOut removes the stored session. Signing out twice is not an error.
func (p *KeyringProvider) SignOut() error {
	ring, err := p.open()
	if err != nil {
		return err
	}

	err = ring.Remove(sessionKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}
