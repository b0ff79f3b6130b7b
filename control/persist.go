package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/onnwee/chatgate/atomicfile"
)

// persisted is the on-disk shape. armed and session_id are deliberately absent.
type persisted struct {
	KillSwitch     bool       `json:"kill_switch"`
	DryRun         bool       `json:"dry_run"`
	SilenceUntil   *time.Time `json:"silence_until,omitempty"`
	ActiveDirector string     `json:"active_director,omitempty"`
}

func readState(path string) (*persisted, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read control state: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode control state: %w", err)
	}
	return &p, nil
}

// writeState replaces the file atomically via a temp file in the same directory.
func writeState(path string, p persisted) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode control state: %w", err)
	}
	return atomicfile.Write(path, b, 0o600)
}
