// Package secrets resolves connector credentials: a caller-supplied token
// overrides the stored secret, which is otherwise decrypted with the process
// encryption key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSizeGCM = 12
	keySize      = 32
	kdfInfo      = "toolmesh connector secrets v1"
)

var (
	// ErrNoKey is returned when a stored secret exists but no encryption key
	// was configured.
	ErrNoKey = errors.New("secrets: encryption key not configured")
	// ErrMalformed is returned for ciphertext that cannot be decoded.
	ErrMalformed = errors.New("secrets: malformed ciphertext")
)

// randReader is replaced in tests to force nonce failures.
var randReader io.Reader = rand.Reader

// deriveKey stretches an arbitrary-length encryption key into an AES-256 key.
func deriveKey(encryptionKey string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(encryptionKey), nil, []byte(kdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secrets derive key: %w", err)
	}
	return key, nil
}

func newGCM(encryptionKey string) (cipher.AEAD, error) {
	key, err := deriveKey(encryptionKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func Encrypt(plaintext, encryptionKey string) (string, error) {
	if encryptionKey == "" {
		return "", ErrNoKey
	}
	gcm, err := newGCM(encryptionKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", fmt.Errorf("secrets nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext, encryptionKey string) (string, error) {
	if encryptionKey == "" {
		return "", ErrNoKey
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(data) < nonceSizeGCM {
		return "", ErrMalformed
	}
	gcm, err := newGCM(encryptionKey)
	if err != nil {
		return "", err
	}
	nonce, sealed := data[:nonceSizeGCM], data[nonceSizeGCM:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets decrypt: %w", err)
	}
	return string(plain), nil
}

// Resolve returns the credential to use. A non-empty userToken always wins.
// Otherwise stored is decrypted with encryptionKey. ok is false when neither
// is present, or when a stored secret exists but no encryption key is
// configured; neither is an error.
func Resolve(stored, encryptionKey, userToken string) (secret string, ok bool, err error) {
	if userToken != "" {
		return userToken, true, nil
	}
	if stored == "" {
		return "", false, nil
	}
	if encryptionKey == "" {
		slog.Warn("stored connector secret ignored, encryption key not configured")
		return "", false, nil
	}
	plain, err := Decrypt(stored, encryptionKey)
	if err != nil {
		return "", false, err
	}
	if plain == "" {
		return "", false, nil
	}
	return plain, true, nil
}
