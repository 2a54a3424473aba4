package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// EncryptionKeySize is the key length required for AES-256-GCM.
const EncryptionKeySize = 32

// ErrDecryptionFailed is returned when a sealed value cannot be opened,
// either because it was tampered with or because the key is wrong.
var ErrDecryptionFailed = errors.New("decryption failed")

// Encryptor seals data at rest using AES-256-GCM. It is used for private key
// material written by the file key store.
//
// A nil or disabled Encryptor passes data through unchanged.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor.
// If key is empty, encryption is disabled. Otherwise the key must be exactly 32 bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", EncryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts plaintext, binding it to additionalData (for example a key ID)
// so a ciphertext cannot be moved to another record. The output is [nonce][ciphertext].
func (e *Encryptor) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. additionalData must match the value given to Seal.
func (e *Encryptor) Open(sealed, additionalData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return sealed, nil
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}
