package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
)

type CaptureAdapter string

const (
	AdapterOsascript CaptureAdapter = "osascript"
	AdapterClipboard CaptureAdapter = "clipboard"
)

type Config struct {
	// Storage
	DatabasePath string `env:"MEMORY_BANK_DB_PATH"`
	AuditLogPath string `env:"AUDIT_LOG_PATH"`

	// Capture
	CaptureAdapter CaptureAdapter `env:"CAPTURE_ADAPTER" envDefault:"osascript"`
	CaptureTimeout time.Duration  `env:"CAPTURE_TIMEOUT" envDefault:"5s"`
	CaptureRetries int            `env:"CAPTURE_RETRIES" envDefault:"2"`
	CaptureBackoff time.Duration  `env:"CAPTURE_BACKOFF" envDefault:"300ms"`

	// Reliability
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"30s"`

	// Linking
	LinkLimit int `env:"LINK_LIMIT" envDefault:"3"`

	// Background reconciliation
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE" envDefault:"@every 5m"`
}

func New() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir(), "context.db")
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = filepath.Join(dataDir(), "audit.jsonl")
	}
	return cfg
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memory-bank"
	}
	return filepath.Join(home, ".memory-bank")
}
