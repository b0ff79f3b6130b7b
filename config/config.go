// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup and clamps
// numeric settings into safe ranges instead of failing on them.
// For required chat credentials use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth flows supported for the Twitch accounts.
const (
	FlowAuthorizationCode = "authorization_code"
	FlowDeviceCode        = "device_code"
)

// Secret backends accepted by SECRET_BACKEND.
const (
	SecretBackendAuto      = "auto"
	SecretBackendPlaintext = "plaintext"
	SecretBackendAES       = "aes"
	SecretBackendAge       = "age"
)

// DefaultScopes is requested when TWITCH_SCOPES is unset.
const DefaultScopes = "chat:read chat:edit moderator:read:followers channel:read:subscriptions bits:read"

type Config struct {
	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string
	TwitchScopes       string
	PrimaryChannel     string
	BotNick            string
	AuthFlow           string

	// Credential lifecycle
	AutoRefresh     bool
	RefreshLead     time.Duration
	RefreshInterval time.Duration
	StatusCacheTTL  time.Duration
	RevokeTimeout   time.Duration
	ValidateRemote  bool

	// Readiness results are reused by /status for this long.
	ReadinessCacheTTL time.Duration

	// Storage and secrets
	DataDir         string
	SecretBackend   string
	EncryptionKey   string
	AgeIdentity     string
	AgeIdentityFile string

	// Output
	OutputRateLimit time.Duration
	SilenceTTL      time.Duration
	EnableChat      bool

	// Setup gate
	EnforceSetupGate bool
	ProviderKeys     map[string]bool

	// Collaborators
	AuditDBDsn string
	RedisURL   string
	CostCapKey string
	HTTPAddr   string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// the status report lists what is missing instead. Only values that cannot be interpreted at all
// (an unknown SECRET_BACKEND) are returned as errors.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID"))
	cfg.TwitchClientSecret = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET"))
	cfg.TwitchRedirectURI = strings.TrimSpace(os.Getenv("TWITCH_REDIRECT_URI"))
	cfg.TwitchScopes = strings.Join(strings.Fields(os.Getenv("TWITCH_SCOPES")), " ")
	if cfg.TwitchScopes == "" {
		cfg.TwitchScopes = DefaultScopes
	}
	cfg.PrimaryChannel = normalizeChannel(os.Getenv("TWITCH_CHANNEL"))
	cfg.BotNick = strings.ToLower(strings.TrimSpace(firstEnv("TWITCH_BOT_NICK", "TWITCH_NICK")))
	cfg.AuthFlow = normalizeFlow(os.Getenv("TWITCH_AUTH_FLOW"))

	cfg.AutoRefresh = envBool("TWITCH_AUTO_REFRESH", true)
	cfg.RefreshLead = envSeconds("TWITCH_REFRESH_LEAD_SECONDS", 900, 60, 86400)
	cfg.RefreshInterval = envSeconds("TWITCH_REFRESH_INTERVAL_SECONDS", 300, 30, 3600)
	cfg.StatusCacheTTL = envSeconds("TWITCH_STATUS_CACHE_TTL_SECONDS", 2, 0, 60)
	cfg.ReadinessCacheTTL = envSeconds("READINESS_CACHE_TTL_SECONDS", 15, 1, 300)
	cfg.RevokeTimeout = envSeconds("TWITCH_REVOKE_TIMEOUT_SECONDS", 4, 1, 15)
	cfg.ValidateRemote = envBool("TWITCH_VALIDATE_REMOTE", false)

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.SecretBackend = strings.ToLower(strings.TrimSpace(os.Getenv("SECRET_BACKEND")))
	switch cfg.SecretBackend {
	case "":
		cfg.SecretBackend = SecretBackendAuto
	case SecretBackendAuto, SecretBackendPlaintext, SecretBackendAES, SecretBackendAge:
	case "none":
		cfg.SecretBackend = SecretBackendPlaintext
	default:
		return nil, fmt.Errorf("invalid SECRET_BACKEND %q: want auto, plaintext, aes or age", cfg.SecretBackend)
	}
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.AgeIdentity = strings.TrimSpace(os.Getenv("AGE_IDENTITY"))
	cfg.AgeIdentityFile = os.Getenv("AGE_IDENTITY_FILE")

	cfg.OutputRateLimit = envSeconds("OUTPUT_RATE_LIMIT_SECONDS", 6, 0, 3600)
	cfg.SilenceTTL = envSeconds("SILENCE_TTL_SECONDS", 300, 1, 86400)
	cfg.EnableChat = envBool("ENABLE_CHAT_TRANSPORT", false)

	cfg.EnforceSetupGate = envBool("ENFORCE_SETUP_GATE", false)
	cfg.ProviderKeys = map[string]bool{
		"openai":    os.Getenv("OPENAI_API_KEY") != "",
		"grok":      firstEnv("GROK_API_KEY", "XAI_API_KEY") != "",
		"anthropic": os.Getenv("ANTHROPIC_API_KEY") != "",
	}

	cfg.AuditDBDsn = os.Getenv("AUDIT_DB_DSN")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.CostCapKey = os.Getenv("COST_CAP_KEY")
	if cfg.CostCapKey == "" {
		cfg.CostCapKey = "chatgate:cost_cap"
	}
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ScopeList returns the requested OAuth scopes as a slice.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.TwitchScopes)
}

// MissingTwitchFields lists the env variables the configured auth flow still needs.
// The device flow needs no secret or redirect URI.
func (c *Config) MissingTwitchFields() []string {
	var missing []string
	if c.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if c.AuthFlow == FlowAuthorizationCode {
		if c.TwitchClientSecret == "" {
			missing = append(missing, "TWITCH_CLIENT_SECRET")
		}
		if c.TwitchRedirectURI == "" {
			missing = append(missing, "TWITCH_REDIRECT_URI")
		}
	}
	if c.PrimaryChannel == "" {
		missing = append(missing, "TWITCH_CHANNEL")
	}
	return missing
}

// HasProviderKey reports whether at least one LLM provider key is configured.
func (c *Config) HasProviderKey() bool {
	for _, ok := range c.ProviderKeys {
		if ok {
			return true
		}
	}
	return false
}

// ValidateChatReady checks required fields when the chat transport is enabled.
func (c *Config) ValidateChatReady() error {
	if c.PrimaryChannel == "" || c.BotNick == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNEL and TWITCH_BOT_NICK")
	}
	return nil
}

func normalizeChannel(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
}

func normalizeFlow(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "device", "device_code", "device-code", "devicecode":
		return FlowDeviceCode
	default:
		return FlowAuthorizationCode
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// envSeconds parses an integer number of seconds and clamps it to [lo, hi].
// Unparseable values fall back to def.
func envSeconds(key string, def, lo, hi int) time.Duration {
	n := def
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return time.Duration(n) * time.Second
}
