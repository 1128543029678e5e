package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/metal0/mailpilot-sub003/internal/backoff"
)

// Folder policy modes. In predefined mode, move targets must appear in
// the account's allow-list (when one is configured).
const (
	FolderModePredefined = "predefined"
	FolderModeAuto       = "auto"
)

// Config holds the application configuration.
type Config struct {
	// Persistence
	DBPath   string
	LogLevel string

	// Watch loop settings
	PollInterval     time.Duration
	FallbackInterval time.Duration

	// Antivirus scanning
	ClamAVAddress   string
	ClamAVTimeout   time.Duration
	ScanAttachments bool

	// Dead-letter retry settings
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryMultiplier    float64
	RetryMaxAttempts   int
	RetrySweepInterval time.Duration

	// Idempotency ledger
	ProcessedTTL    time.Duration
	CleanupInterval time.Duration

	// Shutdown
	ShutdownGrace time.Duration

	// Default classifier bindings, overridable per account
	LLMProvider string
	LLMModel    string

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single mailbox account.
type AccountConfig struct {
	Name string

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string

	// WatchFolder is the mailbox the watch loop monitors.
	WatchFolder string

	// Folder policy for move actions
	FolderMode     string
	AllowedFolders []string

	// Per-account classifier overrides; empty means the global setting
	LLMProvider string
	LLMModel    string
}

// LoadConfig loads configuration from environment variables. A
// malformed duration or missing required setting is returned as an
// error and treated as fatal by the caller; it is never retried.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:           getEnv("DB_PATH", "/data/mailpilot.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ClamAVAddress:    getEnv("CLAMAV_ADDRESS", ""),
		ScanAttachments:  getEnvBool("SCAN_ATTACHMENTS", true),
		RetryMultiplier:  getEnvFloat("RETRY_MULTIPLIER", 2.0),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		LLMProvider:      getEnv("LLM_PROVIDER", ""),
		LLMModel:         getEnv("LLM_MODEL", ""),
	}

	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.PollInterval, "POLL_INTERVAL", "60s"},
		{&cfg.FallbackInterval, "FALLBACK_INTERVAL", "60s"},
		{&cfg.ClamAVTimeout, "CLAMAV_TIMEOUT", "30s"},
		{&cfg.RetryBaseDelay, "RETRY_BASE_DELAY", "5000"},
		{&cfg.RetryMaxDelay, "RETRY_MAX_DELAY", "24h"},
		{&cfg.RetrySweepInterval, "RETRY_SWEEP_INTERVAL", "1m"},
		{&cfg.ProcessedTTL, "PROCESSED_TTL", "720h"},
		{&cfg.CleanupInterval, "CLEANUP_INTERVAL", "1h"},
		{&cfg.ShutdownGrace, "SHUTDOWN_GRACE", "30s"},
	}
	for _, d := range durations {
		value, err := backoff.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = value
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no mailbox accounts configured")
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads account configurations from environment variables.
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single-account configuration takes precedence for simple setups.
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadAccount("", getEnv("ACCOUNT_NAME", "default"))
		if err != nil {
			return nil, err
		}
		return append(accounts, *account), nil
	}

	// Numbered accounts: ACCOUNT_1_*, ACCOUNT_2_*, ...
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		account, err := loadAccount(prefix, name)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", num, err)
		}
		accounts = append(accounts, *account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}
	return accounts, nil
}

// loadAccount loads one account using the given env prefix.
func loadAccount(prefix, name string) (*AccountConfig, error) {
	host := getEnv(prefix+"IMAP_HOST", "")
	username := getEnv(prefix+"IMAP_USERNAME", "")
	password := getEnv(prefix+"IMAP_PASSWORD", "")

	if host == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("IMAP_USERNAME and IMAP_PASSWORD are required")
	}

	var allowed []string
	if raw := getEnv(prefix+"ALLOWED_FOLDERS", ""); raw != "" {
		for _, folder := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(folder); trimmed != "" {
				allowed = append(allowed, trimmed)
			}
		}
	}

	return &AccountConfig{
		Name:           name,
		IMAPHost:       host,
		IMAPPort:       getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername:   username,
		IMAPPassword:   password,
		WatchFolder:    getEnv(prefix+"WATCH_FOLDER", "INBOX"),
		FolderMode:     getEnv(prefix+"FOLDER_MODE", FolderModeAuto),
		AllowedFolders: allowed,
		LLMProvider:    getEnv(prefix+"LLM_PROVIDER", ""),
		LLMModel:       getEnv(prefix+"LLM_MODEL", ""),
	}, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.RetryMultiplier <= 1.0 {
		return fmt.Errorf("RETRY_MULTIPLIER must be greater than 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.PollInterval <= 0 || c.FallbackInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL and FALLBACK_INTERVAL must be positive")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.FolderMode != FolderModePredefined && acc.FolderMode != FolderModeAuto {
			return fmt.Errorf("account %s: FOLDER_MODE must be %q or %q", acc.Name, FolderModePredefined, FolderModeAuto)
		}
	}

	return nil
}

// Provider returns the classifier provider for an account, falling back
// to the global setting.
func (c *Config) Provider(acc *AccountConfig) string {
	if acc.LLMProvider != "" {
		return acc.LLMProvider
	}
	return c.LLMProvider
}

// Model returns the classifier model for an account, falling back to
// the global setting.
func (c *Config) Model(acc *AccountConfig) string {
	if acc.LLMModel != "" {
		return acc.LLMModel
	}
	return c.LLMModel
}

// AccountNames returns the names of all configured accounts.
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a
// default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets an environment variable as a float or returns a
// default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a
// default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
