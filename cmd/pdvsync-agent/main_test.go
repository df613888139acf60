package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("PDVSYNC_TEST_CONFIG", "  /etc/pdvsync/.env ")
	if got := envOrDefault("PDVSYNC_TEST_CONFIG", ".env"); got != "/etc/pdvsync/.env" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	t.Setenv("PDVSYNC_TEST_CONFIG_EMPTY", "  ")
	if got := envOrDefault("PDVSYNC_TEST_CONFIG_EMPTY", ".env"); got != ".env" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.1); got != 0.1 {
		t.Fatalf("expected passthrough 0.1, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Minute
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.1, 0); got != 9*time.Minute {
		t.Fatalf("expected min jitter interval 9m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.1, 0.5); got != 10*time.Minute {
		t.Fatalf("expected midpoint jitter interval 10m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.1, 1); got != 11*time.Minute {
		t.Fatalf("expected max jitter interval 11m, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.1, 1); got != 0 {
		t.Fatalf("expected zero for zero base, got %s", got)
	}
}

func TestRunFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("API_ENDPOINT", "")
	t.Setenv("API_TOKEN", "")
	if code := run(t.TempDir()+"/absent.env", false, false); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
