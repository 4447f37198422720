// Package secrets decrypts credentials embedded in pipeline step
// configs. Config values prefixed with "enc:" hold AES-256-GCM
// ciphertext produced with the deployment's vault key, so credentials
// never sit in the database as plaintext. Decryption happens just
// before a step runs.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

//nolint:gochecknoglobals // sentinel error
var ErrInvalidKey = errors.New("secrets: invalid encryption key")

//nolint:gochecknoglobals // sentinel error
var ErrNoKey = errors.New("secrets: encrypted value present but no vault key configured")

// EncPrefix marks a step config value as vault ciphertext.
const EncPrefix = "enc:"

// Vault encrypts/decrypts credentials using AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a Vault with the given 32-byte encryption key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVault: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVault: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// NewVaultFromHex creates a Vault from a 64-char hex-encoded key, the
// format the DKOD_VAULT_KEY environment variable carries.
func NewVaultFromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVaultFromHex: %w", ErrInvalidKey)
	}

	return NewVault(key)
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext.
// The output format is base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets.Encrypt: generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, producing nonce || ciphertext.
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts base64-encoded ciphertext and returns plaintext.
// Expects the format base64(nonce || ciphertext).
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets.Decrypt: base64 decode: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("secrets.Decrypt: ciphertext too short")
	}

	nonce := data[:nonceSize]
	encrypted := data[nonceSize:]

	plaintext, err := v.aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("secrets.Decrypt: %w", err)
	}

	return string(plaintext), nil
}

// DecryptConfig resolves a step config: values prefixed with "enc:"
// are decrypted, everything else passes through untouched. A nil
// Vault (no key configured) is fine as long as the config carries no
// encrypted values.
func (v *Vault) DecryptConfig(config map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(config))

	for name, value := range config {
		ciphertext, ok := strings.CutPrefix(value, EncPrefix)
		if !ok {
			result[name] = value
			continue
		}

		if v == nil {
			return nil, fmt.Errorf("secrets.DecryptConfig: %q: %w", name, ErrNoKey)
		}

		plaintext, err := v.Decrypt(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("secrets.DecryptConfig: decrypt %q: %w", name, err)
		}

		result[name] = plaintext
	}

	return result, nil
}
