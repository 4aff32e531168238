package credentials

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"
)

// Keyring stores secrets in the system keyring.
type Keyring struct{}

// NewKeyring creates a Keyring backend.
func NewKeyring() *Keyring {
	return &Keyring{}
}

func keyringErr(err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Get reads a secret.
func (k *Keyring) Get(s Secret) (string, error) {
	v, err := keyring.Get(Service, string(s))
	if err != nil {
		return "", keyringErr(err)
	}
	return v, nil
}

// Set writes a secret.
func (k *Keyring) Set(s Secret, value string) error {
	if err := keyring.Set(Service, string(s), value); err != nil {
		return keyringErr(err)
	}
	return nil
}

// Delete removes a secret.
func (k *Keyring) Delete(s Secret) error {
	if err := keyring.Delete(Service, string(s)); err != nil {
		return keyringErr(err)
	}
	return nil
}

// Description names the platform keyring.
func (k *Keyring) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "system keyring (Secret Service)"
	}
}
