package workspace

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidCiphertext is returned when ciphertext cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// SettingsEncryptor encrypts each agent's `agents/<id>/settings.json`
// at rest using ChaCha20-Poly1305, keyed by the 32-byte master key the
// caller passes to NewSettingsEncryptor. Unlike
// the job workspace directories themselves (plain files, owned
// exclusively by one JobRun), agent settings can carry credentials the
// prime scripts inject, so they get AEAD protection on disk.
type SettingsEncryptor struct {
	aead cipher
}

type cipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSettingsEncryptor builds an encryptor from a 32-byte master key.
func NewSettingsEncryptor(masterKey []byte) (*SettingsEncryptor, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(masterKey))
	}
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("workspace: new chacha20poly1305: %w", err)
	}
	return &SettingsEncryptor{aead: aead}, nil
}

// GenerateKey returns a cryptographically random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("workspace: generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext, prepending the random nonce to the returned
// ciphertext so Decrypt needs nothing but the key to reverse it.
func (e *SettingsEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("workspace: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, failing with ErrInvalidCiphertext on a
// truncated input or a failed authentication tag check.
func (e *SettingsEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrInvalidCiphertext)
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	plaintext, err := e.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// WriteSettings encrypts body and writes it as agents/<id>/settings.json
// under root, base64-encoded so the file stays diffable text.
func (e *SettingsEncryptor) WriteSettings(root, agentID string, body []byte) error {
	ciphertext, err := e.Encrypt(body)
	if err != nil {
		return err
	}
	dir := filepath.Join(root, "agents", agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir %s: %w", dir, err)
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return os.WriteFile(filepath.Join(dir, "settings.json"), []byte(encoded), 0o600)
}

// ReadSettings reads and decrypts agents/<id>/settings.json under root.
func (e *SettingsEncryptor) ReadSettings(root, agentID string) ([]byte, error) {
	path := filepath.Join(root, "agents", agentID, "settings.json")
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("workspace: decode settings.json: %w", err)
	}
	return e.Decrypt(ciphertext)
}
