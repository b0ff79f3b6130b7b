package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func randomKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESProtector(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{name: "empty key", key: "", wantError: true, errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", wantError: true, errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewAESProtector(tt.key)
			if tt.wantError {
				if err == nil {
					t.Errorf("NewAESProtector() expected error but got nil")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESProtector() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || p == nil {
				t.Errorf("NewAESProtector() = %v, %v", p, err)
			}
		})
	}
}

func TestProtectorRoundTrip(t *testing.T) {
	aesP, err := NewAESProtector(randomKey(t))
	if err != nil {
		t.Fatalf("NewAESProtector() error = %v", err)
	}
	identity, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity() error = %v", err)
	}
	ageP, err := NewAgeProtector(identity)
	if err != nil {
		t.Fatalf("NewAgeProtector() error = %v", err)
	}

	protectors := []SecretProtector{aesP, ageP}
	inputs := []string{"hello", "oauth:abcdefghijklmnopqrstuvwxyz0123", strings.Repeat("a", 1000)}

	for _, p := range protectors {
		for _, in := range inputs {
			t.Run(p.Name(), func(t *testing.T) {
				blob, err := p.Protect([]byte(in))
				if err != nil {
					t.Fatalf("Protect() error = %v", err)
				}
				if bytes.Contains(blob, []byte(in)) {
					t.Errorf("Protect() output contains the plaintext")
				}
				out, err := p.Unprotect(blob)
				if err != nil {
					t.Fatalf("Unprotect() error = %v", err)
				}
				if string(out) != in {
					t.Errorf("Unprotect() = %q, want %q", out, in)
				}
			})
		}
	}
}

func TestAESProtectUsesFreshNonce(t *testing.T) {
	p, err := NewAESProtector(randomKey(t))
	if err != nil {
		t.Fatalf("NewAESProtector() error = %v", err)
	}
	a, _ := p.Protect([]byte("same"))
	b, _ := p.Protect([]byte("same"))
	if bytes.Equal(a, b) {
		t.Errorf("Protect() produced identical blobs for same plaintext")
	}
}

func TestAESUnprotectRejectsBadInput(t *testing.T) {
	p, err := NewAESProtector(randomKey(t))
	if err != nil {
		t.Fatalf("NewAESProtector() error = %v", err)
	}

	tampered, err := p.Protect([]byte("sensitive data"))
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	tampered[20] ^= 0x01

	tests := []struct {
		name     string
		errorMsg string
		blob     []byte
	}{
		{name: "empty", blob: []byte{}, errorMsg: "ciphertext is empty"},
		{name: "too short", blob: []byte{1, 2, 3}, errorMsg: "ciphertext too short"},
		{name: "garbage", blob: make([]byte, 50), errorMsg: "authentication or integrity check failed"},
		{name: "tampered", blob: tampered, errorMsg: "authentication or integrity check failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Unprotect(tt.blob)
			if err == nil {
				t.Fatalf("Unprotect() expected error")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Unprotect() error = %v, want error containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestUnprotectWithWrongKeyFails(t *testing.T) {
	p1, _ := NewAESProtector(randomKey(t))
	p2, _ := NewAESProtector(randomKey(t))
	blob, err := p1.Protect([]byte("secret message"))
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	if _, err := p2.Unprotect(blob); err == nil {
		t.Errorf("Unprotect() with wrong key should fail")
	}

	id1, _ := GenerateAgeIdentity()
	id2, _ := GenerateAgeIdentity()
	a1, _ := NewAgeProtector(id1)
	a2, _ := NewAgeProtector(id2)
	blob, err = a1.Protect([]byte("secret message"))
	if err != nil {
		t.Fatalf("age Protect() error = %v", err)
	}
	if _, err := a2.Unprotect(blob); err == nil {
		t.Errorf("age Unprotect() with wrong identity should fail")
	}
}

func TestProtectStringKeepsEmpty(t *testing.T) {
	p, _ := NewAESProtector(randomKey(t))

	got, err := ProtectString(p, "")
	if err != nil || got != "" {
		t.Errorf("ProtectString(\"\") = %q, %v; want empty", got, err)
	}
	got, err = UnprotectString(p, "")
	if err != nil || got != "" {
		t.Errorf("UnprotectString(\"\") = %q, %v; want empty", got, err)
	}

	enc, err := ProtectString(p, "test-access-token-12345")
	if err != nil {
		t.Fatalf("ProtectString() error = %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(enc); err != nil {
		t.Errorf("ProtectString() result is not valid base64: %v", err)
	}
	dec, err := UnprotectString(p, enc)
	if err != nil || dec != "test-access-token-12345" {
		t.Errorf("UnprotectString() = %q, %v", dec, err)
	}

	if _, err := UnprotectString(p, "%%%"); err == nil {
		t.Errorf("UnprotectString() should reject invalid base64")
	}
}

func TestPlaintextProtectorPassesThrough(t *testing.T) {
	enc, err := ProtectString(PlaintextProtector{}, "token")
	if err != nil {
		t.Fatalf("ProtectString() error = %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(enc)
	if string(raw) != "token" {
		t.Errorf("plaintext protector changed data: %q", raw)
	}
}

func TestNewProtectorSelection(t *testing.T) {
	identity, _ := GenerateAgeIdentity()
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(keyFile, []byte("# created: now\n# public key: age1...\n"+identity+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	aesKey := randomKey(t)

	tests := []struct {
		name    string
		backend Backend
		want    string
		wantErr bool
	}{
		{name: "auto without keys", backend: Backend{Name: "auto"}, want: "plaintext"},
		{name: "auto prefers age", backend: Backend{Name: "auto", AgeIdentity: identity, EncryptionKey: aesKey}, want: "age-x25519"},
		{name: "auto falls back to aes", backend: Backend{Name: "auto", EncryptionKey: aesKey}, want: "aes-256-gcm"},
		{name: "age from file", backend: Backend{Name: "age", AgeIdentityFile: keyFile}, want: "age-x25519"},
		{name: "explicit aes without key", backend: Backend{Name: "aes"}, wantErr: true},
		{name: "explicit age without identity", backend: Backend{Name: "age"}, wantErr: true},
		{name: "unknown", backend: Backend{Name: "vault"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProtector(tt.backend)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewProtector() expected error, got %s", p.Name())
				}
				return
			}
			if err != nil {
				t.Fatalf("NewProtector() error = %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("NewProtector() = %s, want %s", p.Name(), tt.want)
			}
		})
	}
}
