package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/chatgate/atomicfile"
	"github.com/onnwee/chatgate/crypto"
)

// record is the on-disk shape of an account. Secret fields hold protector output.
type record struct {
	Account          string         `json:"account"`
	Protection       string         `json:"protection"`
	AccessToken      string         `json:"access_token,omitempty"`
	RefreshToken     string         `json:"refresh_token,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	Scopes           []string       `json:"scopes,omitempty"`
	DisplayName      string         `json:"display_name,omitempty"`
	Disconnected     bool           `json:"disconnected"`
	RefreshInvalid   bool           `json:"refresh_invalid,omitempty"`
	LastRefreshError string         `json:"last_refresh_error,omitempty"`
	LastRefreshAt    *time.Time     `json:"last_refresh_at,omitempty"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
	Pending          *pendingRecord `json:"pending_auth,omitempty"`
}

type pendingRecord struct {
	PendingAuth
	DeviceCode string `json:"device_code,omitempty"`
}

// FileStore keeps one JSON file per account under dir. Writes use the primary
// protector; reads accept any protector registered under its name so files
// written before a backend change stay readable.
type FileStore struct {
	dir     string
	primary crypto.SecretProtector
	readers map[string]crypto.SecretProtector
}

// NewFileStore creates a store writing with primary. Extra protectors are used only for reading.
func NewFileStore(dir string, primary crypto.SecretProtector, extra ...crypto.SecretProtector) *FileStore {
	if primary == nil {
		primary = crypto.PlaintextProtector{}
	}
	fs := &FileStore{dir: dir, primary: primary, readers: map[string]crypto.SecretProtector{}}
	for _, p := range append([]crypto.SecretProtector{crypto.PlaintextProtector{}, primary}, extra...) {
		fs.readers[p.Name()] = p
	}
	return fs
}

// Protector returns the protector used for writes.
func (fs *FileStore) Protector() crypto.SecretProtector { return fs.primary }

// Path returns the credential file path of an account.
func (fs *FileStore) Path(account string) string {
	return filepath.Join(fs.dir, "twitch_auth_"+account+".json")
}

// Load reads an account. A missing file yields an empty account.
func (fs *FileStore) Load(account string) (*Account, error) {
	b, err := os.ReadFile(fs.Path(account))
	if errors.Is(err, os.ErrNotExist) {
		return &Account{Name: account}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode credential file %s: %w", fs.Path(account), err)
	}
	if rec.Protection == "" {
		rec.Protection = crypto.PlaintextProtector{}.Name()
	}
	p, ok := fs.readers[rec.Protection]
	if !ok {
		return nil, fmt.Errorf("credential file %s protected with %q, which is not configured", fs.Path(account), rec.Protection)
	}
	acct := &Account{
		Name:             account,
		ExpiresAt:        rec.ExpiresAt,
		Scopes:           rec.Scopes,
		DisplayName:      rec.DisplayName,
		Disconnected:     rec.Disconnected,
		RefreshInvalid:   rec.RefreshInvalid,
		LastRefreshError: rec.LastRefreshError,
		LastRefreshAt:    rec.LastRefreshAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if acct.AccessToken, err = crypto.UnprotectString(p, rec.AccessToken); err != nil {
		return nil, fmt.Errorf("unprotect access token: %w", err)
	}
	if acct.RefreshToken, err = crypto.UnprotectString(p, rec.RefreshToken); err != nil {
		return nil, fmt.Errorf("unprotect refresh token: %w", err)
	}
	if rec.Pending != nil {
		pending := rec.Pending.PendingAuth
		if pending.DeviceCode, err = crypto.UnprotectString(p, rec.Pending.DeviceCode); err != nil {
			return nil, fmt.Errorf("unprotect device code: %w", err)
		}
		acct.Pending = &pending
	}
	return acct, nil
}

// Save writes an account atomically with the primary protector.
func (fs *FileStore) Save(acct *Account) error {
	p := fs.primary
	rec := record{
		Account:          acct.Name,
		Protection:       p.Name(),
		ExpiresAt:        acct.ExpiresAt,
		Scopes:           acct.Scopes,
		DisplayName:      acct.DisplayName,
		Disconnected:     acct.Disconnected,
		RefreshInvalid:   acct.RefreshInvalid,
		LastRefreshError: acct.LastRefreshError,
		LastRefreshAt:    acct.LastRefreshAt,
		UpdatedAt:        acct.UpdatedAt,
	}
	var err error
	if rec.AccessToken, err = crypto.ProtectString(p, acct.AccessToken); err != nil {
		return fmt.Errorf("protect access token: %w", err)
	}
	if rec.RefreshToken, err = crypto.ProtectString(p, acct.RefreshToken); err != nil {
		return fmt.Errorf("protect refresh token: %w", err)
	}
	if acct.Pending != nil {
		pr := &pendingRecord{PendingAuth: *acct.Pending}
		if pr.DeviceCode, err = crypto.ProtectString(p, acct.Pending.DeviceCode); err != nil {
			return fmt.Errorf("protect device code: %w", err)
		}
		rec.Pending = pr
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	return atomicfile.Write(fs.Path(acct.Name), b, 0o600)
}

// Protection returns the protector name recorded in an account's file, or ""
// when the account has no file.
func (fs *FileStore) Protection(account string) (string, error) {
	b, err := os.ReadFile(fs.Path(account))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	var rec struct {
		Protection string `json:"protection"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", fmt.Errorf("decode credential file %s: %w", fs.Path(account), err)
	}
	if rec.Protection == "" {
		return crypto.PlaintextProtector{}.Name(), nil
	}
	return rec.Protection, nil
}
