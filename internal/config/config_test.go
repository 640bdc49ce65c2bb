package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CRUNCH_ID", "FEED_SOURCE", "SCORING_FUNCTION", "SCORE_INTERVAL_SECONDS",
		"FEED_SUBJECTS", "SERVER_PORT", "API_PUBLIC_PREFIXES",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadFailsWithoutRequiredFields(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when CRUNCH_ID is unset")
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("CRUNCH_ID", "demo-crunch")
	os.Setenv("FEED_SOURCE", "binance")
	os.Setenv("SCORING_FUNCTION", "default_numeric_scalar")
	os.Setenv("FEED_SUBJECTS", "BTCUSDT, ETHUSDT")
	os.Setenv("SERVER_PORT", "9000")
	t.Cleanup(func() { clearEnv(t) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CrunchID != "demo-crunch" {
		t.Fatalf("unexpected crunch id %q", cfg.CrunchID)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected overridden port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Score.IntervalSeconds != 60 {
		t.Fatalf("expected default score interval 60, got %d", cfg.Score.IntervalSeconds)
	}
	if len(cfg.Feed.Subjects) != 2 || cfg.Feed.Subjects[0] != "BTCUSDT" {
		t.Fatalf("unexpected feed subjects %v", cfg.Feed.Subjects)
	}
	if len(cfg.API.PublicPrefixes) != 1 || cfg.API.PublicPrefixes[0] != "/healthz" {
		t.Fatalf("expected default public prefixes, got %v", cfg.API.PublicPrefixes)
	}
}
