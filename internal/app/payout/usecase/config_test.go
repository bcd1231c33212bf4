package usecase

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Minute, BackoffMax: 10 * time.Minute}.withDefaults()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Minute},
		{attempt: 1, want: time.Minute},
		{attempt: 2, want: 2 * time.Minute},
		{attempt: 3, want: 4 * time.Minute},
		{attempt: 4, want: 8 * time.Minute},
		{attempt: 5, want: 10 * time.Minute},
		{attempt: 50, want: 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	d := DefaultConfig()
	if cfg.MaxAttempts != d.MaxAttempts || cfg.Currency != d.Currency || cfg.BatchSize != d.BatchSize {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Clock == nil {
		t.Error("clock should default to time.Now")
	}

	custom := Config{MaxAttempts: 9, Currency: "GHS"}.withDefaults()
	if custom.MaxAttempts != 9 || custom.Currency != "GHS" {
		t.Errorf("explicit values overwritten: %+v", custom)
	}
}
