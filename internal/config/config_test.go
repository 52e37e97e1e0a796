package config_test

import (
	"testing"
	"time"

	"github.com/notifyhub/send-throttle/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/throttle")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != config.BackendPostgres || cfg.PolicySource != config.PolicyPostgres || cfg.TierCache != config.CacheMemory {
		t.Fatalf("unexpected component selection: %+v", cfg)
	}
	if cfg.FailurePolicy != "open" || cfg.FailOpenDelay != 3*time.Second {
		t.Fatalf("failure policy = %s/%v, want open/3s", cfg.FailurePolicy, cfg.FailOpenDelay)
	}
	if cfg.BreakerThreshold != 5 || cfg.CooldownDuration != 30*time.Minute || cfg.SuspendAfterBreaks != 3 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg)
	}
	if cfg.SenderMinRefill != 1.0/60 {
		t.Fatalf("sender min refill = %v", cfg.SenderMinRefill)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("POLICY_SOURCE", "file")
	t.Setenv("TIERS_FILE", "tiers.yaml")
	t.Setenv("TIER_CACHE_TTL", "90s")
	t.Setenv("GLOBAL_BUCKET_CAPACITY", "2500.5")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("FAILURE_POLICY", "closed")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsDatabase() {
		t.Fatal("redis + file config should not need a database")
	}
	if !cfg.NeedsRedis() {
		t.Fatal("redis backend should need redis")
	}
	if cfg.TierCacheTTL != 90*time.Second || cfg.GlobalCapacity != 2500.5 || cfg.RunMigrations || cfg.FailurePolicy != "closed" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"database required", map[string]string{}},
		{"unknown backend", map[string]string{"STORE_BACKEND": "etcd", "DATABASE_URL": "x"}},
		{"file source without path", map[string]string{"POLICY_SOURCE": "file", "STORE_BACKEND": "memory"}},
		{"unknown failure policy", map[string]string{"FAILURE_POLICY": "maybe", "DATABASE_URL": "x"}},
		{"bad cron", map[string]string{"BUCKET_GC_SCHEDULE": "every tuesday", "DATABASE_URL": "x"}},
		{"thresholds inverted", map[string]string{"HEALTH_POOR_THRESHOLD": "80", "DATABASE_URL": "x"}},
		{"zero breaker threshold", map[string]string{"CIRCUIT_BREAKER_THRESHOLD": "0", "DATABASE_URL": "x"}},
		{"zero suspend after breaks", map[string]string{"SUSPEND_AFTER_BREAKS": "0", "DATABASE_URL": "x"}},
		{"negative store breaker failures", map[string]string{"STORE_BREAKER_FAILURES": "-1", "DATABASE_URL": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := config.Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
