package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/feedchat/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for feedchat.
type Config struct {
	// REST backend base URL, e.g. https://social.example.com
	APIURL string `env:"FEEDCHAT_API_URL"`

	// Realtime endpoint. Derived from APIURL (http->ws, path /ws) when empty.
	WSURL string `env:"FEEDCHAT_WS_URL"`

	// Account credentials. Either Token or Email+Password is required.
	Email    string `env:"FEEDCHAT_EMAIL"`
	Password string `env:"FEEDCHAT_PASSWORD"`
	Token    string `env:"FEEDCHAT_TOKEN"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Realtime tuning.
	TypingDebounce  time.Duration `env:"TYPING_DEBOUNCE" envDefault:"1s"`
	ReconnectMin    time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax    time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
	SnapshotTimeout time.Duration `env:"SNAPSHOT_TIMEOUT" envDefault:"5s"`
	NotifySound     bool          `env:"NOTIFY_SOUND" envDefault:"true"`

	// Path of the credential cache. Defaults to ~/.feedchat/state.db.
	StatePath string `env:"STATE_PATH"`

	// MCP tool server.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file may hold the account password.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		wsURL, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket URL: %w", err)
		}

		cfg.WSURL = wsURL
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("FEEDCHAT_API_URL is required")
	}

	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("FEEDCHAT_API_URL is not a valid URL: %w", err)
	}

	if c.Token == "" && (c.Email == "" || c.Password == "") {
		return fmt.Errorf("either FEEDCHAT_TOKEN or both FEEDCHAT_EMAIL and FEEDCHAT_PASSWORD are required")
	}

	if c.TypingDebounce <= 0 {
		return fmt.Errorf("TYPING_DEBOUNCE must be positive")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be positive and not greater than RECONNECT_MAX")
	}

	if c.EnableMCP {
		if c.MCPListenAddr == "" {
			return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
		}

		if c.MCPAPIKeys == "" {
			return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
		}
	}

	return nil
}

// DeriveWSURL maps the REST base URL onto the realtime endpoint:
// http(s)://host/base -> ws(s)://host/base/ws
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}

// DefaultStatePath returns ~/.feedchat/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".feedchat", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and the name it acts as,
// parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	Name string
	Key  string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "name1:fc_key1,name2:fc_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		key := pair[idx+1:]
		if name == "" || key == "" {
			return nil, fmt.Errorf("empty name or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in MCP_API_KEYS", name)
		}

		seen[name] = struct{}{}
		entries = append(entries, APIKeyEntry{Name: name, Key: key})
	}

	return entries, nil
}
