package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/meterbridge")
	t.Setenv("PG_DSN", "")
	t.Setenv("PORTAL_REFRESH_TOKEN", "refresh-0")
	t.Setenv("PORTAL_CLIENT_ID", "client-id")
	t.Setenv("POD", "IT001E123")
	t.Setenv("TARIFF", "")
	t.Setenv("SCAN_INTERVAL", "")
	t.Setenv("METERBRIDGE_CONFIG", "")
}

func writeOverlay(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("METERBRIDGE_CONFIG", path)
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ScanInterval != 6*time.Hour {
		t.Fatalf("scan interval: got %s, want 6h", cfg.ScanInterval)
	}
	if cfg.Tariff != "bioraria" {
		t.Fatalf("tariff: got %s", cfg.Tariff)
	}
	if cfg.LookbackDays != 7 || cfg.DelayDays != 2 || cfg.ImportDefaultDays != 90 {
		t.Fatalf("window defaults: %+v", cfg)
	}
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	setRequiredEnv(t)
	writeOverlay(t, "scan_interval: 2h\nnamespace: custom\nlookback_days: 10\n")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ScanInterval != 2*time.Hour {
		t.Fatalf("scan interval: got %s, want 2h", cfg.ScanInterval)
	}
	if cfg.Namespace != "custom" {
		t.Fatalf("namespace: got %s", cfg.Namespace)
	}
	if cfg.LookbackDays != 10 {
		t.Fatalf("lookback days: got %d", cfg.LookbackDays)
	}
}

func TestLoadConfigRejectsBadScanInterval(t *testing.T) {
	setRequiredEnv(t)
	writeOverlay(t, "scan_interval: banana\n")

	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected error for unparseable scan_interval")
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")

	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected error without DATABASE_URL or PG_DSN")
	}
}

func TestLoadConfigRejectsUnknownTariff(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TARIFF", "triorara")

	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected error for unknown tariff")
	}
}
