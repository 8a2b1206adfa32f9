// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the tracker database (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Notifications
	DiscordWebhookURL string

	// Scheduling
	CheckScheduleCron string // Cron expression for the daily sweep
	WorkerRunOnBoot   bool   // Run a sweep immediately on startup

	// Fetching
	ScrapeTimeout      time.Duration
	EnablePlaywright   bool
	RendererServiceURL string // Headless-browser bridge service

	// AI fallback
	OpenAIAPIKey                  string
	OpenAIModelSmall              string
	AIDailyBudgetUSD              float64
	AIFallbackConfidence          float64 // Below this, escalate to rendered fetch / AI
	OutOfStockVerifyConfidence    float64 // Below this, verify confident out-of-stock results
	AIEvidenceMaxChars            int
	AIMaxOutputTokens             int
	OpenAIInputCostPer1MOverride  float64 // <= 0 means use the per-model default table
	OpenAIOutputCostPer1MOverride float64

	// Off-site backup (optional)
	Backup *BackupConfig
}

// BackupConfig holds S3-compatible off-site backup configuration
type BackupConfig struct {
	Enabled         bool
	Bucket          string
	Endpoint        string // Custom endpoint for R2/MinIO style stores; empty for AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic, always resolved to an
	// absolute path so the database path is stable regardless of working dir.
	dataDir := getEnv("TRACKER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),

		CheckScheduleCron: getEnv("CHECK_SCHEDULE_CRON", "0 9 * * *"),
		WorkerRunOnBoot:   getEnvAsBool("WORKER_RUN_ON_BOOT", false),

		ScrapeTimeout:      time.Duration(getEnvAsInt("SCRAPE_TIMEOUT_MS", 20000)) * time.Millisecond,
		EnablePlaywright:   getEnv("ENABLE_PLAYWRIGHT", "true") != "false",
		RendererServiceURL: getEnv("RENDERER_SERVICE_URL", "http://localhost:9222"),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModelSmall: getEnv("OPENAI_MODEL_SMALL", "gpt-5-mini"),
		AIDailyBudgetUSD: getEnvAsFloat("AI_DAILY_BUDGET_USD", 1.00),

		AIFallbackConfidence:       clampFloat(getEnvAsFloat("AI_FALLBACK_CONFIDENCE_THRESHOLD", 0.88), 0.70, 0.98),
		OutOfStockVerifyConfidence: clampFloat(getEnvAsFloat("OUT_OF_STOCK_VERIFY_CONFIDENCE_THRESHOLD", 0.78), 0.60, 0.95),
		AIEvidenceMaxChars:         clampInt(getEnvAsInt("AI_EVIDENCE_MAX_CHARS", 6000), 2500, 12000),
		AIMaxOutputTokens:          clampInt(getEnvAsInt("AI_MAX_OUTPUT_TOKENS", 180), 80, 300),

		OpenAIInputCostPer1MOverride:  getEnvAsFloat("OPENAI_INPUT_COST_PER_1M", 0),
		OpenAIOutputCostPer1MOverride: getEnvAsFloat("OPENAI_OUTPUT_COST_PER_1M", 0),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.ScrapeTimeout <= 0 {
		return fmt.Errorf("SCRAPE_TIMEOUT_MS must be positive")
	}
	if c.AIDailyBudgetUSD < 0 {
		return fmt.Errorf("AI_DAILY_BUDGET_USD must not be negative")
	}
	if c.Backup != nil && c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET is required when BACKUP_ENABLED is true")
	}

	// Note: OPENAI_API_KEY is optional. Without it the AI fallback is
	// disabled and low-confidence checks end in NEEDS_REVIEW.
	return nil
}

// loadBackupConfig loads the optional off-site backup configuration
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
