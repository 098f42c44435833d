package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefault(t *testing.T) {
	oldDBPath := os.Getenv("JOBCORE_DB_PATH")
	oldEnv := os.Getenv("JOBCORE_ENV")
	defer func() {
		os.Setenv("JOBCORE_DB_PATH", oldDBPath)
		os.Setenv("JOBCORE_ENV", oldEnv)
	}()
	os.Unsetenv("JOBCORE_DB_PATH")
	os.Unsetenv("JOBCORE_ENV")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Expected environment to be 'development', got %s", cfg.Environment)
	}
	if cfg.Store.DBPath != "./jobcore.db" {
		t.Errorf("Expected store.db_path to be './jobcore.db', got %s", cfg.Store.DBPath)
	}
	if cfg.Pool.HostKeyMode != "user_default" {
		t.Errorf("Expected pool.host_key_mode to be 'user_default', got %s", cfg.Pool.HostKeyMode)
	}
	if cfg.Queue.SchedulingInterval != time.Second {
		t.Errorf("Expected queue.scheduling_interval to be 1s, got %s", cfg.Queue.SchedulingInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	oldDBPath := os.Getenv("JOBCORE_DB_PATH")
	oldEnv := os.Getenv("JOBCORE_ENV")
	oldScratch := os.Getenv("JOBCORE_SCRATCH_DIR")
	defer func() {
		os.Setenv("JOBCORE_DB_PATH", oldDBPath)
		os.Setenv("JOBCORE_ENV", oldEnv)
		os.Setenv("JOBCORE_SCRATCH_DIR", oldScratch)
	}()

	os.Setenv("JOBCORE_DB_PATH", "/tmp/custom.db")
	os.Setenv("JOBCORE_ENV", "production")
	os.Setenv("JOBCORE_SCRATCH_DIR", "/tmp/scratch")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config from env: %v", err)
	}

	if cfg.Store.DBPath != "/tmp/custom.db" {
		t.Errorf("Expected store.db_path to be '/tmp/custom.db', got %s", cfg.Store.DBPath)
	}
	if cfg.Environment != "production" {
		t.Errorf("Expected environment to be 'production', got %s", cfg.Environment)
	}
	if cfg.Orchestrator.ScratchDir != "/tmp/scratch" {
		t.Errorf("Expected orchestrator.scratch_dir to be '/tmp/scratch', got %s", cfg.Orchestrator.ScratchDir)
	}
}
