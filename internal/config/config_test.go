package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_LegacyFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  point_data: "/data/scan.ply"
  node_size: 2000
cache:
  node_cache_mb: 256
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if ds.PointData != "/data/scan.ply" {
		t.Errorf("unexpected point_data: %s", ds.PointData)
	}
	if ds.NodeSize != 2000 {
		t.Errorf("unexpected node_size: %d", ds.NodeSize)
	}
	if ds.MinPointDistance != 0.01 {
		t.Errorf("expected default min_point_distance, got %v", ds.MinPointDistance)
	}
	if cfg.Cache.NodeCacheMB != 256 {
		t.Errorf("unexpected node_cache_mb: %d", cfg.Cache.NodeCacheMB)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  office:
    point_data: "/data/office"
  bridge:
    point_data: "/data/bridge.las"
    node_size: 8000
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "office" {
		t.Errorf("expected default dataset 'office', got %q", cfg.Data.DefaultDataset)
	}

	office := cfg.Data.Datasets["office"]
	if office.PointData != "/data/office" || office.NodeSize != 5000 {
		t.Errorf("unexpected office dataset: %+v", office)
	}
	bridge := cfg.Data.Datasets["bridge"]
	if bridge.PointData != "/data/bridge.las" || bridge.NodeSize != 8000 {
		t.Errorf("unexpected bridge dataset: %+v", bridge)
	}

	// Check order preserved
	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "office" || ids[1] != "bridge" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    point_data: "/test/cloud"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.NodeCacheMB != 512 || cfg.Cache.NodeTTL() != 30*time.Minute {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	s := cfg.Stream
	if s.MaxNodes != 1000 || s.MaxPoints != 1500000 || s.MaxDensity != 0.3 {
		t.Errorf("unexpected stream budgets: %+v", s)
	}
	if s.BatchSize != 25 || s.BatchPause() != 50*time.Millisecond || s.Compression != "none" {
		t.Errorf("unexpected stream batching: %+v", s)
	}
	if cfg.Render.ImageSize != 512 {
		t.Errorf("expected default image size 512, got %d", cfg.Render.ImageSize)
	}
	if cfg.Journal.Retention() != 7*24*time.Hour {
		t.Errorf("unexpected retention %v", cfg.Journal.Retention())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unexpected log level %q", cfg.Logging.Level)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Data.DefaultDataset != "default" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"compression": "stream:\n  compression: brotli\n",
		"pointData":   "data:\n  a:\n    node_size: 10\n",
		"budget":      "stream:\n  max_nodes: -1\n",
		"dataKind":    "data: [1, 2]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("failed to write temp config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
