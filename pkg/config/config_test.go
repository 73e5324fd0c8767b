package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	c := Load()
	if c.RateLimit.WindowMs != 200 {
		t.Errorf("expected default rate limit window 200ms, got %d", c.RateLimit.WindowMs)
	}
	if c.Stability.Threshold != 0.7 {
		t.Errorf("expected default stability threshold 0.7, got %f", c.Stability.Threshold)
	}
	if c.Dedup.MaxEntries != 10000 {
		t.Errorf("expected default dedup cap 10000, got %d", c.Dedup.MaxEntries)
	}
	if c.Session.MaxConcurrentBroadcasts != 100 {
		t.Errorf("expected default broadcast cap 100, got %d", c.Session.MaxConcurrentBroadcasts)
	}
	if c.Buffer.WordsPerSecond != 30 {
		t.Errorf("expected default words-per-second 30, got %d", c.Buffer.WordsPerSecond)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	os.Setenv("RELAY_RATE_LIMIT_WINDOW_MS", "500")
	os.Setenv("RELAY_STABILITY_THRESHOLD", "0.9")
	defer os.Unsetenv("RELAY_RATE_LIMIT_WINDOW_MS")
	defer os.Unsetenv("RELAY_STABILITY_THRESHOLD")

	c := Load()
	if c.RateLimit.WindowMs != 500 {
		t.Errorf("expected overridden window 500ms, got %d", c.RateLimit.WindowMs)
	}
	if c.Stability.Threshold != 0.9 {
		t.Errorf("expected overridden threshold 0.9, got %f", c.Stability.Threshold)
	}
}

func TestDurationHelpersConvertUnits(t *testing.T) {
	c := Load()
	if c.RateLimitWindow().Milliseconds() != int64(c.RateLimit.WindowMs) {
		t.Errorf("RateLimitWindow mismatch")
	}
	if c.TranslateDeadline().Milliseconds() != int64(c.Translate.DeadlineMs) {
		t.Errorf("TranslateDeadline mismatch")
	}
	if c.DedupTTL().Seconds() != float64(c.Dedup.TTLSec) {
		t.Errorf("DedupTTL mismatch")
	}
}
