// Package main provides a CLI tool that re-protects stored Twitch credentials
// with the currently configured secret backend.
//
// Credential files record which protector wrote them (plaintext, aes-256-gcm
// or age-x25519). After changing SECRET_BACKEND or rotating a key, run this
// tool to rewrite every file with the new protector. Files are read with the
// new protector or any old one supplied through the OLD_* variables.
//
// Usage:
//
//	reprotect-credentials [--dry-run] [--data-dir DIR]
//
// Environment Variables:
//
//	DATA_DIR, SECRET_BACKEND, ENCRYPTION_KEY, AGE_IDENTITY, AGE_IDENTITY_FILE: target backend
//	OLD_ENCRYPTION_KEY: previous AES key, if files were written with it
//	OLD_AGE_IDENTITY, OLD_AGE_IDENTITY_FILE: previous age identity
//
// Example:
//
//	export AGE_IDENTITY_FILE=/secrets/chatgate.age
//	export OLD_ENCRYPTION_KEY="$PREVIOUS_KEY"
//	./reprotect-credentials --dry-run
//	./reprotect-credentials
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/credential"
	"github.com/onnwee/chatgate/crypto"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be rewritten without making changes")
	dataDir := flag.String("data-dir", "", "Data directory (default: DATA_DIR)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	primary, err := crypto.NewProtector(crypto.Backend{
		Name:            cfg.SecretBackend,
		EncryptionKey:   cfg.EncryptionKey,
		AgeIdentity:     cfg.AgeIdentity,
		AgeIdentityFile: cfg.AgeIdentityFile,
	})
	if err != nil {
		slog.Error("failed to initialize target protector", slog.Any("error", err))
		os.Exit(1)
	}
	readers, err := oldProtectors(cfg)
	if err != nil {
		slog.Error("failed to initialize old protectors", slog.Any("error", err))
		os.Exit(1)
	}

	store := credential.NewFileStore(filepath.Join(cfg.DataDir, "credentials"), primary, readers...)
	sum, err := reprotect(store, *dryRun)
	slog.Info("reprotect summary",
		slog.String("target", primary.Name()),
		slog.Int("rewritten", sum.Rewritten),
		slog.Int("current", sum.Current),
		slog.Int("missing", sum.Missing),
		slog.Int("errors", sum.Errors),
		slog.Bool("dry_run", *dryRun))
	if err != nil {
		slog.Error("reprotect failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// oldProtectors builds read-only protectors from the OLD_* variables and the
// configured key material that is not the target backend.
func oldProtectors(cfg *config.Config) ([]crypto.SecretProtector, error) {
	var out []crypto.SecretProtector
	if key := os.Getenv("OLD_ENCRYPTION_KEY"); key != "" {
		p, err := crypto.NewAESProtector(key)
		if err != nil {
			return nil, fmt.Errorf("OLD_ENCRYPTION_KEY: %w", err)
		}
		out = append(out, p)
	} else if cfg.EncryptionKey != "" {
		p, err := crypto.NewAESProtector(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		out = append(out, p)
	}

	identity := os.Getenv("OLD_AGE_IDENTITY")
	if identity == "" {
		if path := os.Getenv("OLD_AGE_IDENTITY_FILE"); path != "" {
			id, err := crypto.LoadAgeIdentityFile(path)
			if err != nil {
				return nil, fmt.Errorf("OLD_AGE_IDENTITY_FILE: %w", err)
			}
			identity = id
		}
	}
	if identity != "" {
		p, err := crypto.NewAgeProtector(identity)
		if err != nil {
			return nil, fmt.Errorf("OLD_AGE_IDENTITY: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

type summary struct {
	Rewritten int
	Current   int
	Missing   int
	Errors    int
}

// reprotect rewrites every account file not already written by the store's
// primary protector.
func reprotect(store *credential.FileStore, dryRun bool) (summary, error) {
	var sum summary
	target := store.Protector().Name()
	for _, account := range credential.Accounts {
		logger := slog.With(slog.String("account", account))

		protection, err := store.Protection(account)
		if err != nil {
			logger.Error("failed to inspect credential file", slog.Any("error", err))
			sum.Errors++
			continue
		}
		switch protection {
		case "":
			logger.Info("no credential file")
			sum.Missing++
			continue
		case target:
			logger.Info("already protected with target backend", slog.String("protection", protection))
			sum.Current++
			continue
		}

		acct, err := store.Load(account)
		if err != nil {
			logger.Error("failed to read credential file", slog.String("protection", protection), slog.Any("error", err))
			sum.Errors++
			continue
		}
		if dryRun {
			logger.Info("would rewrite credential file (dry-run)", slog.String("from", protection), slog.String("to", target))
			sum.Rewritten++
			continue
		}
		if err := store.Save(acct); err != nil {
			logger.Error("failed to rewrite credential file", slog.Any("error", err))
			sum.Errors++
			continue
		}
		logger.Info("rewrote credential file", slog.String("from", protection), slog.String("to", target))
		sum.Rewritten++
	}
	if sum.Errors > 0 {
		return sum, fmt.Errorf("reprotect completed with %d errors", sum.Errors)
	}
	return sum, nil
}
