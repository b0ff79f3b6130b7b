package main

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"testing"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/credential"
	"github.com/onnwee/chatgate/crypto"
)

func newAESKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func seed(t *testing.T, store *credential.FileStore, account, access, refresh string) {
	t.Helper()
	if err := store.Save(&credential.Account{Name: account, AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatalf("seed %s: %v", account, err)
	}
}

func TestReprotectPlaintextToAES(t *testing.T) {
	dir := t.TempDir()
	seed(t, credential.NewFileStore(dir, crypto.PlaintextProtector{}), credential.AccountBot, "bot-access", "bot-refresh")

	aes, err := crypto.NewAESProtector(newAESKey(t))
	if err != nil {
		t.Fatalf("NewAESProtector: %v", err)
	}
	store := credential.NewFileStore(dir, aes)

	sum, err := reprotect(store, false)
	if err != nil {
		t.Fatalf("reprotect: %v", err)
	}
	if sum.Rewritten != 1 || sum.Missing != 1 || sum.Errors != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if got, _ := store.Protection(credential.AccountBot); got != "aes-256-gcm" {
		t.Errorf("protection = %q, want aes-256-gcm", got)
	}
	acct, err := store.Load(credential.AccountBot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if acct.AccessToken != "bot-access" || acct.RefreshToken != "bot-refresh" {
		t.Errorf("tokens not preserved: %+v", acct)
	}

	// A second run finds nothing to do.
	sum, err = reprotect(store, false)
	if err != nil || sum.Current != 1 || sum.Rewritten != 0 {
		t.Errorf("second run summary = %+v err = %v", sum, err)
	}
}

func TestReprotectAESToAge(t *testing.T) {
	dir := t.TempDir()
	aes, err := crypto.NewAESProtector(newAESKey(t))
	if err != nil {
		t.Fatalf("NewAESProtector: %v", err)
	}
	seed(t, credential.NewFileStore(dir, aes), credential.AccountBot, "bot-access", "")
	seed(t, credential.NewFileStore(dir, aes), credential.AccountBroadcaster, "caster-access", "caster-refresh")

	identity, err := crypto.GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity: %v", err)
	}
	age, err := crypto.NewAgeProtector(identity)
	if err != nil {
		t.Fatalf("NewAgeProtector: %v", err)
	}

	// Without the old key the files cannot be read.
	if sum, err := reprotect(credential.NewFileStore(dir, age), false); err == nil || sum.Errors != 2 {
		t.Fatalf("expected errors without the old key, got %+v %v", sum, err)
	}

	store := credential.NewFileStore(dir, age, aes)
	sum, err := reprotect(store, false)
	if err != nil {
		t.Fatalf("reprotect: %v", err)
	}
	if sum.Rewritten != 2 {
		t.Errorf("summary = %+v", sum)
	}

	// The rewritten files no longer need the AES key.
	ageOnly := credential.NewFileStore(dir, age)
	acct, err := ageOnly.Load(credential.AccountBroadcaster)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if acct.AccessToken != "caster-access" || acct.RefreshToken != "caster-refresh" {
		t.Errorf("tokens not preserved: %+v", acct)
	}
}

func TestReprotectDryRun(t *testing.T) {
	dir := t.TempDir()
	plain := credential.NewFileStore(dir, crypto.PlaintextProtector{})
	seed(t, plain, credential.AccountBot, "bot-access", "")
	before, err := os.ReadFile(plain.Path(credential.AccountBot))
	if err != nil {
		t.Fatal(err)
	}

	aes, err := crypto.NewAESProtector(newAESKey(t))
	if err != nil {
		t.Fatalf("NewAESProtector: %v", err)
	}
	sum, err := reprotect(credential.NewFileStore(dir, aes), true)
	if err != nil {
		t.Fatalf("reprotect: %v", err)
	}
	if sum.Rewritten != 1 {
		t.Errorf("summary = %+v", sum)
	}
	after, err := os.ReadFile(plain.Path(credential.AccountBot))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("dry run must not modify the credential file")
	}
}

func TestOldProtectorsFromEnv(t *testing.T) {
	key := newAESKey(t)
	t.Setenv("OLD_ENCRYPTION_KEY", key)
	t.Setenv("OLD_AGE_IDENTITY", "")
	t.Setenv("OLD_AGE_IDENTITY_FILE", "")

	got, err := oldProtectors(&config.Config{})
	if err != nil {
		t.Fatalf("oldProtectors: %v", err)
	}
	if len(got) != 1 || got[0].Name() != "aes-256-gcm" {
		t.Fatalf("protectors = %v", got)
	}

	t.Setenv("OLD_ENCRYPTION_KEY", "not-base64!")
	if _, err := oldProtectors(&config.Config{}); err == nil {
		t.Error("expected error for an invalid old key")
	}
}
