package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.BatchSize != 20 {
		t.Fatalf("expected batch size 20, got %d", cfg.BatchSize)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Fatalf("expected 30s fetch timeout, got %s", cfg.FetchTimeout)
	}
	if len(cfg.Stages) != 2 {
		t.Fatalf("expected two default stages, got %v", cfg.Stages)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "7")
	t.Setenv("STAGES", " moderngov , ,transparency_discovery")
	t.Setenv("ARCHIVE_DOCUMENTS", "true")
	t.Setenv("PROBE_TIMEOUT", "bogus")

	cfg := Load()
	if cfg.BatchSize != 7 {
		t.Fatalf("expected batch size 7, got %d", cfg.BatchSize)
	}
	if len(cfg.Stages) != 2 || cfg.Stages[0] != "moderngov" || cfg.Stages[1] != "transparency_discovery" {
		t.Fatalf("unexpected stages %v", cfg.Stages)
	}
	if !cfg.ArchiveDocuments {
		t.Fatalf("expected archive documents enabled")
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Fatalf("invalid duration should fall back to default, got %s", cfg.ProbeTimeout)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DISCOVERY_TOP_N=3\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("DISCOVERY_TOP_N", "")
	os.Unsetenv("DISCOVERY_TOP_N")
	if !LoadDotEnv(path) {
		t.Fatalf("expected .env to load")
	}
	t.Cleanup(func() { os.Unsetenv("DISCOVERY_TOP_N") })
	if got := Load().DiscoveryTopN; got != 3 {
		t.Fatalf("expected 3 from .env, got %d", got)
	}
	if LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")) {
		t.Fatalf("expected missing file to report false")
	}
}
