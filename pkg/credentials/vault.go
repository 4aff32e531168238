package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// VaultFile is the vault's file name inside Dir().
const VaultFile = "credentials.yaml"

// PassphraseEnv supplies the vault passphrase non-interactively.
const PassphraseEnv = "FREIGHTDESK_VAULT_PASSPHRASE"

const (
	keyLength = 32 // AES-256

	argon2Time    = 1
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
	saltLength    = 16
)

// ErrWrongPassphrase is returned when the vault cannot be decrypted.
var ErrWrongPassphrase = errors.New("vault passphrase is incorrect")

// PassphraseFunc supplies the vault passphrase, e.g. from a terminal prompt.
type PassphraseFunc func() (string, error)

// PassphraseFromEnv reads the passphrase from FREIGHTDESK_VAULT_PASSPHRASE,
// falling back to next when unset. next may be nil.
func PassphraseFromEnv(next PassphraseFunc) PassphraseFunc {
	return func() (string, error) {
		if p := os.Getenv(PassphraseEnv); p != "" {
			return p, nil
		}
		if next == nil {
			return "", fmt.Errorf("%w: %s is not set", ErrUnavailable, PassphraseEnv)
		}
		return next()
	}
}

type vaultFile struct {
	Salt      string            `yaml:"salt"`
	Secrets   map[string]string `yaml:"secrets"`
	UpdatedAt time.Time         `yaml:"updated_at"`
}

// Vault is an AES-GCM encrypted YAML file whose key is derived from a
// passphrase with Argon2id. The salt is stored in the file.
type Vault struct {
	path       string
	passphrase PassphraseFunc

	mu  sync.Mutex
	key []byte
}

// NewVault creates a vault backed by path.
func NewVault(path string, passphrase PassphraseFunc) *Vault {
	return &Vault{path: path, passphrase: passphrase}
}

// Description names the vault file.
func (v *Vault) Description() string {
	return "encrypted vault " + v.path
}

func (v *Vault) read() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading vault: %w", err)
	}
	var f vaultFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing vault: %w", err)
	}
	return &f, nil
}

func (v *Vault) write(f *vaultFile) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return fmt.Errorf("creating vault directory: %w", err)
	}
	f.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

// deriveKey returns the cached key or derives it from the passphrase.
// Caller must hold v.mu.
func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	if v.key != nil {
		return v.key, nil
	}
	if v.passphrase == nil {
		return nil, fmt.Errorf("%w: no vault passphrase source", ErrUnavailable)
	}
	p, err := v.passphrase()
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, errors.New("vault passphrase is required")
	}
	v.key = argon2.IDKey([]byte(p), salt, argon2Time, argon2Memory, argon2Threads, keyLength)
	return v.key, nil
}

func (v *Vault) unlock(f *vaultFile) (cipher.AEAD, error) {
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("vault salt is corrupt")
	}
	key, err := v.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Get decrypts a secret. The passphrase is not requested when the vault
// does not exist.
func (v *Vault) Get(s Secret) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.read()
	if err != nil {
		return "", err
	}
	sealed, ok := f.Secrets[string(s)]
	if !ok {
		return "", ErrNotFound
	}

	gcm, err := v.unlock(f)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("vault entry %s is corrupt", s)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(s))
	if err != nil {
		v.key = nil
		return "", ErrWrongPassphrase
	}
	return string(plaintext), nil
}

// Set encrypts and stores a secret, creating the vault if needed.
func (v *Vault) Set(s Secret, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.read()
	switch {
	case errors.Is(err, ErrNotFound):
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		f = &vaultFile{Salt: base64.StdEncoding.EncodeToString(salt), Secrets: map[string]string{}}
		v.key = nil
	case err != nil:
		return err
	}
	if f.Secrets == nil {
		f.Secrets = map[string]string{}
	}

	gcm, err := v.unlock(f)
	if err != nil {
		return err
	}
	if err := v.verify(gcm, f); err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	f.Secrets[string(s)] = base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(value), []byte(s)))
	return v.write(f)
}

// verify checks the key against an existing entry so a mistyped passphrase
// cannot mix keys within one vault.
func (v *Vault) verify(gcm cipher.AEAD, f *vaultFile) error {
	for name, sealed := range f.Secrets {
		data, err := base64.StdEncoding.DecodeString(sealed)
		if err != nil || len(data) < gcm.NonceSize() {
			continue
		}
		if _, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], []byte(name)); err != nil {
			v.key = nil
			return ErrWrongPassphrase
		}
		return nil
	}
	return nil
}

// Delete removes a secret. No passphrase is needed.
func (v *Vault) Delete(s Secret) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.read()
	if err != nil {
		return err
	}
	if _, ok := f.Secrets[string(s)]; !ok {
		return ErrNotFound
	}
	delete(f.Secrets, string(s))
	return v.write(f)
}
