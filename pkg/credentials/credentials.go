// Package credentials resolves the secrets freightdesk needs at runtime:
// the AI endpoint key and, optionally, database and Redis passwords.
//
// Lookup order for every secret:
//  1. The FREIGHTDESK_<NAME> environment variable
//  2. The system keyring (macOS Keychain, Windows Credential Manager,
//     Linux Secret Service) under service "freightdesk"
//  3. The encrypted vault file ~/.freightdesk/credentials.yaml, for hosts
//     with no keyring. Its key is derived from a passphrase.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Service is the keyring service name.
const Service = "freightdesk"

// DefaultDir is the per-user directory for config and the vault, under $HOME.
const DefaultDir = ".freightdesk"

// Secret names a stored credential.
type Secret string

const (
	SecretAIAPIKey         Secret = "ai-api-key"
	SecretDatabasePassword Secret = "database-password"
	SecretRedisPassword    Secret = "redis-password"
)

// Secrets lists every known secret.
var Secrets = []Secret{SecretAIAPIKey, SecretDatabasePassword, SecretRedisPassword}

// ParseSecret validates a secret name.
func ParseSecret(name string) (Secret, error) {
	for _, s := range Secrets {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown secret %q", name)
}

// EnvVar is the environment variable that overrides the stored value,
// e.g. FREIGHTDESK_AI_API_KEY.
func (s Secret) EnvVar() string {
	return "FREIGHTDESK_" + strings.ToUpper(strings.ReplaceAll(string(s), "-", "_"))
}

var (
	// ErrNotFound is returned when no backend holds the secret.
	ErrNotFound = errors.New("secret not found")
	// ErrUnavailable is returned when a backend cannot be used on this host.
	ErrUnavailable = errors.New("credential backend unavailable")
)

// Backend is a place secrets are stored.
type Backend interface {
	Get(s Secret) (string, error)
	Set(s Secret, value string) error
	Delete(s Secret) error
	Description() string
}

// Resolver looks secrets up in the environment and then in its backends.
type Resolver struct {
	backends []Backend
	getenv   func(string) string
}

// NewResolver creates a Resolver over the given backends, in priority order.
func NewResolver(backends ...Backend) *Resolver {
	return &Resolver{backends: backends, getenv: os.Getenv}
}

// Default returns the keyring backed by the vault at the default path.
// passphrase is only called if the vault is actually used.
func Default(passphrase PassphraseFunc) (*Resolver, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return NewResolver(NewKeyring(), NewVault(filepath.Join(dir, VaultFile), passphrase)), nil
}

// Dir returns the per-user directory. $FREIGHTDESK_CONFIG_DIR overrides it.
func Dir() (string, error) {
	if dir := os.Getenv("FREIGHTDESK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultDir), nil
}

// Get returns the secret value and where it came from.
func (r *Resolver) Get(s Secret) (value, source string, err error) {
	if v := r.getenv(s.EnvVar()); v != "" {
		return v, "env " + s.EnvVar(), nil
	}

	var unavailable []string
	for _, b := range r.backends {
		v, err := b.Get(s)
		switch {
		case err == nil:
			return v, b.Description(), nil
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrUnavailable):
			unavailable = append(unavailable, err.Error())
			continue
		default:
			return "", "", fmt.Errorf("reading %s from %s: %w", s, b.Description(), err)
		}
	}
	if len(unavailable) > 0 {
		return "", "", fmt.Errorf("%w: %s (%s)", ErrNotFound, s, strings.Join(unavailable, "; "))
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, s)
}

// Lookup is Get returning an empty string when the secret is not stored.
func (r *Resolver) Lookup(s Secret) (string, error) {
	v, _, err := r.Get(s)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Set stores the secret in the first available backend and reports which.
func (r *Resolver) Set(s Secret, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("empty value for %s", s)
	}
	for _, b := range r.backends {
		err := b.Set(s, value)
		if err == nil {
			return b.Description(), nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return "", fmt.Errorf("storing %s in %s: %w", s, b.Description(), err)
		}
	}
	return "", fmt.Errorf("%w: no backend could store %s", ErrUnavailable, s)
}

// Delete removes the secret from every backend.
func (r *Resolver) Delete(s Secret) error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Delete(s); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnavailable) {
			errs = append(errs, fmt.Errorf("%s: %w", b.Description(), err))
		}
	}
	return errors.Join(errs...)
}

// Mask hides all but the ends of a secret for display.
func Mask(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}
