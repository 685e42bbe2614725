// Package config loads the environment record described in spec §6.5:
// store identifiers, external service credentials, and the campaign
// profile (duration→amount map, chapter leads, templates).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration loaded from the environment.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string // postgres://... ; empty selects SQLite lite mode
	SQLitePath  string // used only when DatabaseURL is empty

	RedisURL    string // empty selects the in-process mutex lock fallback
	LockTimeout time.Duration

	JWTSecret string // HMAC secret operator bearer tokens are signed with

	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string // fallback classifier, receipt extraction only
	OpenAIModel     string

	GmailCredentialsPath string
	GmailTokenPath       string
	AdminAlertEmail      string
	CampaignMailbox      string // the campaign's own mailbox address, for loop suppression

	BlobBucketURL string // gs://bucket/prefix or s3://bucket/prefix

	OperationsStoreID   string
	ConfidentialStoreID string
	AnonymisationSalt   string

	// ConfidentialProfilePath is the dev/lite-mode YAML stand-in for the
	// external confidential store named by ConfidentialStoreID (see
	// pkg/beneficiary.YAMLConfidentialSource).
	ConfidentialProfilePath string

	CampaignProfilePath string

	Environment       string
	TelemetryEnabled  bool

	ShadowMode bool
}

// Load loads configuration from environment variables, falling back to
// dev-safe defaults so the system boots without any env configured.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: getenv("DATABASE_URL", ""),
		SQLitePath:  getenv("SQLITE_PATH", "./ledger.db"),

		RedisURL:    getenv("REDIS_URL", ""),
		LockTimeout: getDuration("LOCK_TIMEOUT", 30*time.Second),

		JWTSecret: getenv("JWT_SECRET", ""),

		AnthropicAPIKey: getenv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		OpenAIAPIKey:    getenv("OPENAI_API_KEY", ""),
		OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),

		GmailCredentialsPath: getenv("GMAIL_CREDENTIALS_PATH", "./gmail-credentials.json"),
		GmailTokenPath:       getenv("GMAIL_TOKEN_PATH", "./gmail-token.json"),
		AdminAlertEmail:      getenv("ADMIN_ALERT_EMAIL", ""),
		CampaignMailbox:      getenv("CAMPAIGN_MAILBOX", "hostel-fees@nust-lifeline.org"),

		BlobBucketURL: getenv("BLOB_BUCKET_URL", "gs://hostel-fees-receipts"),

		OperationsStoreID:   getenv("OPERATIONS_STORE_ID", ""),
		ConfidentialStoreID: getenv("CONFIDENTIAL_STORE_ID", ""),
		AnonymisationSalt:   getenv("ANONYMISATION_SALT", ""),

		ConfidentialProfilePath: getenv("CONFIDENTIAL_PROFILE_PATH", "./beneficiaries-confidential.yaml"),

		CampaignProfilePath: getenv("CAMPAIGN_PROFILE_PATH", "./campaign.yaml"),

		Environment:      getenv("ENVIRONMENT", "development"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") != "false",

		ShadowMode: os.Getenv("SHADOW_MODE") == "true",
	}
}

// LiteMode reports whether the store should run against embedded SQLite
// rather than Postgres — true whenever no DATABASE_URL is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
