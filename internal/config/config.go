// Package config manages Bouncer gateway configuration.
// Configuration is loaded once at startup from an optional JSON file and
// environment variable overrides; all rule tables referenced here are
// load-once immutable per process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultLogLevel = "info"

	// Long-runner cap for command approvals, seconds.
	MaxApprovalExpirySeconds = 900
)

// Config holds the full configuration surface of the gateway.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`
	DataDir    string `json:"data_dir"`

	// Auth
	ApproverWhitelist []string `json:"approver_whitelist"`
	RequestSecret     string   `json:"request_secret"`
	CallbackSecret    string   `json:"callback_secret"`

	// Store
	DefaultAccountID  string `json:"default_account_id"`
	AccountsTableName string `json:"accounts_table_name"`
	RequestsTableName string `json:"requests_table_name"`

	// Telegram notifier
	TelegramToken  string `json:"telegram_token"`
	TelegramChatID int64  `json:"telegram_chat_id"`

	// Trust sessions
	TrustTTLMinutes     int   `json:"trust_ttl_minutes"`
	TrustMaxCommands    int   `json:"trust_max_commands"`
	TrustMaxUploads     int   `json:"trust_max_uploads"`
	TrustMaxBytes       int64 `json:"trust_max_bytes"`
	TrustPerUploadBytes int64 `json:"trust_per_upload_bytes"`

	// Grant sessions
	GrantTTLMaxMinutes int `json:"grant_ttl_max_minutes"`
	GrantMaxCommands   int `json:"grant_max_commands"`
	GrantMaxExecutions int `json:"grant_max_executions"`

	// Rate limiting
	RateWindowSeconds int    `json:"rate_window_seconds"`
	RateMaxInWindow   int    `json:"rate_max_in_window"`
	RedisAddr         string `json:"redis_addr"` // empty = SQLite counter backend

	// Approvals
	ApprovalExpirySeconds int `json:"approval_expiry_seconds"`

	// Paging
	PageSizeChars       int `json:"page_size_chars"`
	ResultTruncateChars int `json:"result_truncate_chars"`

	// Rule files (empty = built-in defaults)
	BlockedPatternsFile  string `json:"blocked_patterns_file"`
	SafelistPatternsFile string `json:"safelist_patterns_file"`
	DangerPatternsFile   string `json:"danger_patterns_file"`
	ComplianceRulesFile  string `json:"compliance_rules_file"`
	RiskRulesFile        string `json:"risk_rules_file"`

	// Uploads
	UploadBucket             string   `json:"upload_bucket"`
	StagingBucket            string   `json:"staging_bucket"`
	UploadBlockedExtensions  []string `json:"upload_blocked_extensions"`
	TrustedAccountIDs        []string `json:"trusted_account_ids"`

	// Deploy
	EnableDeployer   bool   `json:"enable_deployer"`
	DeployerEndpoint string `json:"deployer_endpoint"` // Lambda function name or ARN

	AWSRegion string `json:"aws_region"`
}

// Default returns sensible defaults; required secrets are intentionally empty.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   DefaultLogLevel,
		DataDir:    "./data",

		AccountsTableName: "bouncer-accounts",
		RequestsTableName: "bouncer-approval-requests",

		TrustTTLMinutes:     10,
		TrustMaxCommands:    20,
		TrustMaxUploads:     5,
		TrustMaxBytes:       20 << 20,
		TrustPerUploadBytes: 5 << 20,

		GrantTTLMaxMinutes: 60,
		GrantMaxCommands:   20,
		GrantMaxExecutions: 50,

		RateWindowSeconds: 60,
		RateMaxInWindow:   5,

		ApprovalExpirySeconds: 300,

		PageSizeChars:       3500,
		ResultTruncateChars: 1000,

		UploadBlockedExtensions: []string{".exe", ".dll", ".so", ".sh", ".bat", ".ps1"},

		AWSRegion: "us-east-1",
	}
}

// Load reads the config file at path (if non-empty), applies environment
// overrides, and validates required fields.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated loads the file and env overrides without requiring the
// serve-time secrets; used by offline tooling such as rule validation.
func LoadUnvalidated(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.ListenAddr, "BOUNCER_LISTEN_ADDR")
	setStr(&c.LogLevel, "BOUNCER_LOG_LEVEL")
	setStr(&c.DataDir, "BOUNCER_DATA_DIR")
	setStr(&c.RequestSecret, "REQUEST_SECRET")
	setStr(&c.CallbackSecret, "CALLBACK_SECRET")
	setStr(&c.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setStr(&c.DefaultAccountID, "DEFAULT_ACCOUNT_ID")
	setStr(&c.UploadBucket, "UPLOAD_BUCKET")
	setStr(&c.StagingBucket, "STAGING_BUCKET")
	setStr(&c.RedisAddr, "BOUNCER_REDIS_ADDR")
	setStr(&c.DeployerEndpoint, "DEPLOYER_ENDPOINT")
	setStr(&c.AWSRegion, "AWS_REGION")
	setInt(&c.ApprovalExpirySeconds, "APPROVAL_EXPIRY_SECONDS")
	setInt(&c.RateWindowSeconds, "RATE_WINDOW_SECONDS")
	setInt(&c.RateMaxInWindow, "RATE_MAX_IN_WINDOW")

	if v := os.Getenv("APPROVED_CHAT_ID"); v != "" {
		c.ApproverWhitelist = splitCSV(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TelegramChatID = n
		}
	}
	if v := os.Getenv("TRUSTED_ACCOUNT_IDS"); v != "" {
		c.TrustedAccountIDs = splitCSV(v)
	}
	if v := os.Getenv("ENABLE_DEPLOYER"); v != "" {
		c.EnableDeployer = strings.EqualFold(v, "true")
	}
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if len(c.ApproverWhitelist) == 0 {
		return fmt.Errorf("approver_whitelist is required")
	}
	if c.RequestSecret == "" {
		return fmt.Errorf("request_secret is required")
	}
	if c.CallbackSecret == "" {
		return fmt.Errorf("callback_secret is required")
	}
	if c.ApprovalExpirySeconds <= 0 || c.ApprovalExpirySeconds > MaxApprovalExpirySeconds {
		return fmt.Errorf("approval_expiry_seconds must be in (0, %d]", MaxApprovalExpirySeconds)
	}
	if c.GrantTTLMaxMinutes <= 0 || c.GrantTTLMaxMinutes > 60 {
		return fmt.Errorf("grant_ttl_max_minutes must be in (0, 60]")
	}
	return nil
}

// IsApprover reports whether the given chat identity is whitelisted.
func (c *Config) IsApprover(id string) bool {
	for _, a := range c.ApproverWhitelist {
		if a == id {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
