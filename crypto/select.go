package crypto

import (
	"fmt"
	"strings"
)

// Backend settings used to choose a protector.
type Backend struct {
	Name            string // auto, plaintext, aes, age
	EncryptionKey   string
	AgeIdentity     string
	AgeIdentityFile string
}

// NewProtector selects the protector for the configured backend. "auto" prefers
// age, then AES, then plaintext, depending on which key material is present.
func NewProtector(b Backend) (SecretProtector, error) {
	identity := b.AgeIdentity
	if identity == "" && b.AgeIdentityFile != "" {
		id, err := LoadAgeIdentityFile(b.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		identity = id
	}

	switch strings.ToLower(b.Name) {
	case "", "auto":
		if identity != "" {
			return NewAgeProtector(identity)
		}
		if b.EncryptionKey != "" {
			return NewAESProtector(b.EncryptionKey)
		}
		return PlaintextProtector{}, nil
	case "plaintext", "none":
		return PlaintextProtector{}, nil
	case "aes":
		return NewAESProtector(b.EncryptionKey)
	case "age":
		return NewAgeProtector(identity)
	default:
		return nil, fmt.Errorf("unknown secret backend %q", b.Name)
	}
}
