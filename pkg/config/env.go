package config

import (
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Env holds process settings read from the environment.
type Env struct {
	Home          string `env:"CLAWTRIAL_HOME,expand" envDefault:"${HOME}/.clawdbot"`
	ConfigPath    string `env:"CLAWTRIAL_CONFIG_PATH"`
	StatusPath    string `env:"CLAWTRIAL_STATUS_PATH"`
	KeyPath       string `env:"CLAWTRIAL_KEY_PATH"`
	RedisAddr     string `env:"CLAWTRIAL_REDIS_ADDR"`
	DatabaseURL   string `env:"CLAWTRIAL_DATABASE_URL"`
	Identity      string `env:"CLAWTRIAL_IDENTITY" envDefault:"default"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"INFO"`
	LLMServiceURL string `env:"LLM_SERVICE_URL"`
	LLMAPIKey     string `env:"LLM_API_KEY"`
	LLMModel      string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadEnv parses process settings and fills derived paths under Home.
func LoadEnv() (*Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if e.ConfigPath == "" {
		e.ConfigPath = filepath.Join(e.Home, "courtroom_runtime_config.json")
	}
	if e.StatusPath == "" {
		e.StatusPath = filepath.Join(e.Home, "courtroom_status.json")
	}
	if e.KeyPath == "" {
		e.KeyPath = filepath.Join(e.Home, "courtroom_keys", "courtroom.key")
	}
	return &e, nil
}

// LedgerPath is the SQLite case ledger used when no database URL is set.
func (e *Env) LedgerPath() string {
	return filepath.Join(e.Home, "courtroom.db")
}
