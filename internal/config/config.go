// Package config handles configuration loading for the point cloud server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDatasetID names the dataset of a legacy single-dataset config.
const DefaultDatasetID = "default"

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Cache   CacheConfig   `yaml:"cache"`
	Stream  StreamConfig  `yaml:"stream"`
	Render  RenderConfig  `yaml:"render"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one point cloud.
type DatasetConfig struct {
	// PointData is an on-disk octree directory, or a .ply or .las file that is
	// imported into memory at startup.
	PointData        string  `yaml:"point_data"`
	NodeSize         int     `yaml:"node_size"`
	MinPointDistance float64 `yaml:"min_point_distance"`
}

// DataConfig holds the datasets in file order. The first one is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig `yaml:"-"`
	DefaultDataset string                   `yaml:"-"`
	order          []string
}

// DatasetIDs returns the dataset ids in file order.
func (d *DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// Set adds or replaces a dataset. The first dataset added becomes the default.
func (d *DataConfig) Set(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// UnmarshalYAML accepts either a single dataset (point_data at the top level) or a
// mapping of dataset id to dataset.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got line %d", node.Line)
	}

	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "point_data", "node_size", "min_point_distance":
			legacy = true
		}
	}
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.Set(DefaultDatasetID, ds)
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.Set(id, ds)
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	NodeCacheMB      int `yaml:"node_cache_mb"`
	NodeTTLMinutes   int `yaml:"node_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
	SubtreeCacheSize int `yaml:"subtree_cache_size"`
}

// NodeTTL returns the node payload lifetime.
func (c CacheConfig) NodeTTL() time.Duration {
	return time.Duration(c.NodeTTLMinutes) * time.Minute
}

// StreamConfig contains node selection and delivery settings.
type StreamConfig struct {
	MaxNodes     int     `yaml:"max_nodes"`
	MaxPoints    int     `yaml:"max_points"`
	MaxDensity   float32 `yaml:"max_density"`
	BatchSize    int     `yaml:"batch_size"`
	BatchPauseMS int     `yaml:"batch_pause_ms"`
	Compression  string  `yaml:"compression"`
}

// BatchPause returns the pause between batches of point messages.
func (s StreamConfig) BatchPause() time.Duration {
	return time.Duration(s.BatchPauseMS) * time.Millisecond
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	ImageSize       int    `yaml:"image_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// JournalConfig contains delivery journal settings. An empty path disables the journal.
type JournalConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Retention returns how long journal rows are kept.
func (j JournalConfig) Retention() time.Duration {
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Return default config if file doesn't exist
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Point Cloud Server",
		},
		Cache: CacheConfig{
			NodeCacheMB:      512,
			NodeTTLMinutes:   30,
			QueryCacheSize:   256,
			SubtreeCacheSize: 64,
		},
		Stream: StreamConfig{
			MaxNodes:     1000,
			MaxPoints:    1500000,
			MaxDensity:   0.3,
			BatchSize:    25,
			BatchPauseMS: 50,
			Compression:  "none",
		},
		Render: RenderConfig{
			ImageSize:       512,
			DefaultColormap: "depth",
		},
		Journal: JournalConfig{
			RetentionDays: 7,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	cfg.Data.Set(DefaultDatasetID, DatasetConfig{
		PointData:        "./data/pointcloud",
		NodeSize:         5000,
		MinPointDistance: 0.01,
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	defaultDS := defaults.Data.Datasets[DefaultDatasetID]
	for _, id := range cfg.Data.order {
		ds := cfg.Data.Datasets[id]
		if ds.NodeSize == 0 {
			ds.NodeSize = defaultDS.NodeSize
		}
		if ds.MinPointDistance == 0 {
			ds.MinPointDistance = defaultDS.MinPointDistance
		}
		cfg.Data.Datasets[id] = ds
	}

	if cfg.Cache.NodeCacheMB == 0 {
		cfg.Cache.NodeCacheMB = defaults.Cache.NodeCacheMB
	}
	if cfg.Cache.NodeTTLMinutes == 0 {
		cfg.Cache.NodeTTLMinutes = defaults.Cache.NodeTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.SubtreeCacheSize == 0 {
		cfg.Cache.SubtreeCacheSize = defaults.Cache.SubtreeCacheSize
	}

	if cfg.Stream.MaxNodes == 0 {
		cfg.Stream.MaxNodes = defaults.Stream.MaxNodes
	}
	if cfg.Stream.MaxPoints == 0 {
		cfg.Stream.MaxPoints = defaults.Stream.MaxPoints
	}
	if cfg.Stream.MaxDensity == 0 {
		cfg.Stream.MaxDensity = defaults.Stream.MaxDensity
	}
	if cfg.Stream.BatchSize == 0 {
		cfg.Stream.BatchSize = defaults.Stream.BatchSize
	}
	if cfg.Stream.BatchPauseMS == 0 {
		cfg.Stream.BatchPauseMS = defaults.Stream.BatchPauseMS
	}
	if cfg.Stream.Compression == "" {
		cfg.Stream.Compression = defaults.Stream.Compression
	}

	if cfg.Render.ImageSize == 0 {
		cfg.Render.ImageSize = defaults.Render.ImageSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = defaults.Journal.RetentionDays
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	for _, id := range c.Data.order {
		ds := c.Data.Datasets[id]
		if ds.PointData == "" {
			return fmt.Errorf("data.%s: point_data is required", id)
		}
		if ds.NodeSize < 0 {
			return fmt.Errorf("data.%s: node_size must be positive", id)
		}
	}
	switch c.Stream.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("stream.compression: unknown value %q", c.Stream.Compression)
	}
	if c.Stream.MaxNodes < 0 || c.Stream.MaxPoints < 0 {
		return fmt.Errorf("stream: budgets must not be negative")
	}
	if c.Stream.MaxDensity < 0 {
		return fmt.Errorf("stream.max_density must be positive")
	}
	return nil
}
