package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"meterbridge/internal/tariff"
)

// config defines the bridge configuration. Environment variables provide
// defaults; an optional yaml file pointed to by METERBRIDGE_CONFIG
// overrides them.
type config struct {
	DatabaseURL       string        `yaml:"database_url"`
	HTTPAddr          string        `yaml:"http_addr"`
	PortalBaseURL     string        `yaml:"portal_base_url"`
	TokenURL          string        `yaml:"token_url"`
	ClientID          string        `yaml:"client_id"`
	SubscriptionKey   string        `yaml:"subscription_key"`
	RefreshToken      string        `yaml:"refresh_token"`
	POD               string        `yaml:"pod"`
	Tariff            string        `yaml:"tariff"`
	Namespace         string        `yaml:"namespace"`
	LookbackDays      int           `yaml:"lookback_days"`
	DelayDays         int           `yaml:"delay_days"`
	ImportDefaultDays int           `yaml:"import_default_days"`
	ScanInterval      time.Duration `yaml:"-"`
	// RawScanInterval carries the yaml form ("6h"); yaml cannot decode
	// into time.Duration directly.
	RawScanInterval string `yaml:"scan_interval"`
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		PortalBaseURL:     getenvDefault("PORTAL_BASE_URL", "https://api-mmi.eon.it"),
		TokenURL:          getenvDefault("PORTAL_TOKEN_URL", "https://auth.eon-energia.com/oauth/token"),
		ClientID:          getenvDefault("PORTAL_CLIENT_ID", ""),
		SubscriptionKey:   getenvDefault("PORTAL_SUBSCRIPTION_KEY", ""),
		RefreshToken:      getenvDefault("PORTAL_REFRESH_TOKEN", ""),
		POD:               getenvDefault("POD", ""),
		Tariff:            getenvDefault("TARIFF", string(tariff.SchemeBioraria)),
		Namespace:         getenvDefault("SERIES_NAMESPACE", "meterbridge"),
		LookbackDays:      getenvIntDefault("LOOKBACK_DAYS", 7),
		DelayDays:         getenvIntDefault("DELAY_DAYS", 2),
		ImportDefaultDays: getenvIntDefault("IMPORT_DEFAULT_DAYS", 90),
		ScanInterval:      getenvDuration("SCAN_INTERVAL", 6*time.Hour),
	}

	if path := os.Getenv("METERBRIDGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
		if cfg.RawScanInterval != "" {
			parsed, err := time.ParseDuration(cfg.RawScanInterval)
			if err != nil {
				return cfg, fmt.Errorf("config: bad scan_interval: %w", err)
			}
			cfg.ScanInterval = parsed
		}
	}

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if cfg.RefreshToken == "" {
		return cfg, errors.New("config: PORTAL_REFRESH_TOKEN is required")
	}
	if cfg.ClientID == "" {
		return cfg, errors.New("config: PORTAL_CLIENT_ID is required")
	}
	if cfg.POD == "" {
		return cfg, errors.New("config: POD is required")
	}
	if !tariff.Scheme(cfg.Tariff).IsValid() {
		return cfg, errors.New("config: TARIFF must be monoraria or bioraria")
	}
	if cfg.ScanInterval < time.Minute {
		return cfg, errors.New("config: SCAN_INTERVAL must be at least 1m")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
