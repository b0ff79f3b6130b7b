package crypto

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// AgeProtector encrypts secrets to its own X25519 recipient and decrypts them
// with the matching identity. The identity lives outside the data directory.
type AgeProtector struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeProtector parses an AGE-SECRET-KEY-1... identity string.
func NewAgeProtector(identity string) (*AgeProtector, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("age identity is empty")
	}
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("invalid age identity: %w", err)
	}
	return &AgeProtector{identity: id, recipient: id.Recipient()}, nil
}

// LoadAgeIdentityFile reads the first identity line from an age key file,
// skipping the comment lines age-keygen writes.
func LoadAgeIdentityFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read age identity file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("age identity file %s has no identity", path)
}

// GenerateAgeIdentity returns a fresh identity string, used by tests and key setup.
func GenerateAgeIdentity() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), nil
}

func (a *AgeProtector) Name() string { return "age-x25519" }

// Recipient returns the public age1... recipient string.
func (a *AgeProtector) Recipient() string { return a.recipient.String() }

func (a *AgeProtector) Protect(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, a.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *AgeProtector) Unprotect(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	r, err := age.Decrypt(bytes.NewReader(blob), a.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
