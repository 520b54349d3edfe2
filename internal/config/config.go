// Package config loads server settings from layered INI files with
// environment variable overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chatd.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServerConfig describes runtime options for the chat server.
type ServerConfig struct {
	Environment string
	ListenAddr  string

	// Conversation store backend: sqlite or postgres.
	StoreBackend string
	ChatDBPath   string // sqlite
	ChatDBDSN    string // postgres

	// User store follows the same backend selection.
	IdentityPath string // sqlite
	IdentityDSN  string // postgres

	LedgerPath    string
	LedgerEnabled bool

	// Streaming behavior.
	MaxMessageChars int
	HistoryLimit    int
	StreamTimeout   time.Duration

	DefaultProvider string
	PricingFile     string

	OpenAIBaseURL    string
	AnthropicBaseURL string
	AnthropicVersion string
	LoopbackEnabled  bool

	AuthSecret   string
	AuthDisabled bool
	SessionTTL   time.Duration

	LogFile  string
	LogLevel string
}

// Load reads the current environment and the matching chatd config file.
// Precedence per key is CHATD_* env var, then the environment file, then
// config/setting.ini defaults.
func Load(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServerConfig{
		Environment:      s.Environment,
		ListenAddr:       firstNonEmpty(os.Getenv("CHATD_LISTEN_ADDR"), merged["listen_addr"], ":8084"),
		StoreBackend:     strings.ToLower(firstNonEmpty(os.Getenv("CHATD_STORE_BACKEND"), merged["store_backend"], "sqlite")),
		ChatDBPath:       firstNonEmpty(os.Getenv("CHATD_CHAT_DB_PATH"), merged["chat_db_path"], DefaultChatDBPath()),
		ChatDBDSN:        firstNonEmpty(os.Getenv("CHATD_CHAT_DB_DSN"), merged["chat_db_dsn"]),
		IdentityPath:     firstNonEmpty(os.Getenv("CHATD_IDENTITY_PATH"), merged["identity_path"], DefaultIdentityPath()),
		IdentityDSN:      firstNonEmpty(os.Getenv("CHATD_IDENTITY_DSN"), merged["identity_dsn"]),
		LedgerPath:       firstNonEmpty(os.Getenv("CHATD_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerEnabled:    parseOptionalBool(firstNonEmpty(os.Getenv("CHATD_LEDGER_ENABLED"), merged["ledger_enabled"]), true),
		MaxMessageChars:  parseOptionalInt(firstNonEmpty(os.Getenv("CHATD_MAX_MESSAGE_CHARS"), merged["max_message_chars"]), 32000),
		HistoryLimit:     parseOptionalInt(firstNonEmpty(os.Getenv("CHATD_HISTORY_LIMIT"), merged["history_limit"]), 50),
		DefaultProvider:  firstNonEmpty(os.Getenv("CHATD_DEFAULT_PROVIDER"), merged["default_provider"], "openai"),
		PricingFile:      firstNonEmpty(os.Getenv("CHATD_PRICING_FILE"), merged["pricing_file"]),
		OpenAIBaseURL:    firstNonEmpty(os.Getenv("CHATD_OPENAI_BASE_URL"), merged["openai_base_url"]),
		AnthropicBaseURL: firstNonEmpty(os.Getenv("CHATD_ANTHROPIC_BASE_URL"), merged["anthropic_base_url"]),
		AnthropicVersion: firstNonEmpty(os.Getenv("CHATD_ANTHROPIC_VERSION"), merged["anthropic_version"], "2023-06-01"),
		LoopbackEnabled:  parseOptionalBool(firstNonEmpty(os.Getenv("CHATD_LOOPBACK_ENABLED"), merged["loopback_enabled"]), s.Environment != "live"),
		AuthSecret:       firstNonEmpty(os.Getenv("CHATD_AUTH_SECRET"), merged["auth_secret"], "chatd-dev-secret"),
		AuthDisabled:     parseOptionalBool(firstNonEmpty(os.Getenv("CHATD_AUTH_DISABLED"), merged["auth_disabled"]), true),
		LogFile:          firstNonEmpty(os.Getenv("CHATD_LOG_FILE"), merged["log_file"]),
		LogLevel:         strings.ToLower(firstNonEmpty(os.Getenv("CHATD_LOG_LEVEL"), merged["log_level"], "info")),
	}

	cfg.StreamTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATD_STREAM_TIMEOUT"), merged["stream_timeout"]), 120*time.Second)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid stream_timeout: %w", err)
	}
	cfg.SessionTTL, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATD_SESSION_TTL"), merged["session_ttl"]), 24*time.Hour)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid session_ttl: %w", err)
	}

	switch cfg.StoreBackend {
	case "sqlite", "postgres":
	default:
		return ServerConfig{}, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && cfg.ChatDBDSN == "" {
		return ServerConfig{}, errors.New("store_backend postgres requires chat_db_dsn")
	}
	if cfg.MaxMessageChars <= 0 {
		return ServerConfig{}, fmt.Errorf("max_message_chars must be positive, got %d", cfg.MaxMessageChars)
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultChatDBPath returns the fallback conversation database location.
func DefaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".chatd", "chat.db")
}

// DefaultLedgerPath returns the fallback usage ledger location.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".chatd", "ledger.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".chatd", "identity.db")
}
