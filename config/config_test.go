package config

import "testing"

func TestDefaultConfigMatchesQueueDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Queue.MaxConcurrency != 3 || cfg.Queue.RetryCount != 3 || cfg.Queue.RetryDelay != 2000 || cfg.Queue.TimeoutPerTask != 300000 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected server addr: %s", cfg.Server.Addr)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("TASKQUEUE_MAX_CONCURRENCY", "7")
	t.Setenv("TASKQUEUE_STORE_ENDPOINT", "redis://localhost:6379")
	t.Setenv("TASKQUEUE_DEBUG", "true")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.Queue.MaxConcurrency != 7 {
		t.Fatalf("expected env override, got %d", cfg.Queue.MaxConcurrency)
	}
	if cfg.Queue.StoreEndpoint != "redis://localhost:6379" {
		t.Fatalf("expected env override, got %q", cfg.Queue.StoreEndpoint)
	}
	if !cfg.Queue.DebugMode {
		t.Fatal("expected debug mode enabled from env")
	}
}

func TestLoadFromEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	if cfg.Queue.MaxConcurrency != 3 {
		t.Fatalf("expected default preserved when env unset, got %d", cfg.Queue.MaxConcurrency)
	}
}
