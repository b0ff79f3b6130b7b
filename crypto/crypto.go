// Package crypto protects sensitive data at rest, primarily OAuth tokens in the
// per-account credential files. Protection sits behind the SecretProtector
// interface so the credential store never knows which backend is active:
// plaintext (no-op), AES-256-GCM with an injected key, or an age X25519 identity.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretProtector defines the interface for protecting and recovering secrets.
// Implementations other than PlaintextProtector must provide authenticated
// encryption so tampering is detected on Unprotect.
type SecretProtector interface {
	// Protect transforms plaintext into an opaque blob.
	Protect(plaintext []byte) ([]byte, error)

	// Unprotect verifies and recovers the plaintext.
	Unprotect(blob []byte) ([]byte, error)

	// Name identifies the backend; it is recorded next to protected data.
	Name() string
}

// PlaintextProtector passes data through unchanged. It is the fallback when no key material is configured.
type PlaintextProtector struct{}

func (PlaintextProtector) Protect(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (PlaintextProtector) Unprotect(blob []byte) ([]byte, error) { return blob, nil }

func (PlaintextProtector) Name() string { return "plaintext" }

// AESProtector implements SecretProtector using AES-256-GCM.
// GCM mode provides both encryption and authentication (AEAD).
type AESProtector struct {
	key []byte // 32 bytes for AES-256
}

// NewAESProtector creates a protector from a base64-encoded 32-byte key.
// The key should be generated using a cryptographically secure random source:
//
//	openssl rand -base64 32
//
// Returns error if the key is not exactly 32 bytes after decoding.
func NewAESProtector(base64Key string) (*AESProtector, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	return &AESProtector{key: key}, nil
}

func (e *AESProtector) Name() string { return "aes-256-gcm" }

// Protect encrypts plaintext and returns nonce || ciphertext || auth_tag.
// The 12-byte nonce is random per call.
func (e *AESProtector) Protect(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unprotect decrypts and authenticates a blob produced by Protect.
func (e *AESProtector) Unprotect(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", nonceSize, len(blob))
	}

	plaintext, err := gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}

	return plaintext, nil
}

func (e *AESProtector) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// ProtectString protects a string and returns base64 suitable for JSON fields.
// Empty input stays empty so absent secrets remain distinguishable.
func ProtectString(p SecretProtector, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	blob, err := p.Protect([]byte(plaintext))
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(blob), nil
}

// UnprotectString reverses ProtectString.
func UnprotectString(p SecretProtector, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}

	plaintext, err := p.Unprotect(blob)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
