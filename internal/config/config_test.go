package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOOKING_HOLD_MINUTES", "")
	t.Setenv("SWEEP_INTERVAL", "")
	cfg := Load()
	if cfg.HoldMinutes != 15 || cfg.SweepInterval != 30*time.Second || cfg.StoreDriver != "postgres" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOOKING_HOLD_MINUTES", "20")
	t.Setenv("RECONCILE_AFTER", "90s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("TRANSITION_RETRIES", "many")
	cfg := Load()
	if cfg.HoldMinutes != 20 {
		t.Errorf("hold = %d", cfg.HoldMinutes)
	}
	if cfg.ReconcileAfter != 90*time.Second {
		t.Errorf("reconcile after = %s", cfg.ReconcileAfter)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.TransitionRetries != 5 {
		t.Errorf("bad number should fall back, got %d", cfg.TransitionRetries)
	}
}
