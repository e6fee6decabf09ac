package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets intervals appear in the config file as "250ms" or "5s"
// instead of nanosecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the collector settings. Every field has a usable default,
// so a config file only needs the values it wants to change.
type Config struct {
	// TraceListenAddr is the TCP address targets stream trace data to.
	TraceListenAddr string `yaml:"trace_listen_addr"`
	// HTTPListenAddr serves the dashboard and the JSON API.
	HTTPListenAddr string `yaml:"http_listen_addr"`
	// DataDir holds the session database.
	DataDir string `yaml:"data_dir"`
	// RulesDir holds the detection rules (enabled_rules/, disabled_rules/).
	RulesDir string `yaml:"rules_dir"`
	// ArchiveDir holds imported snapshot captures, addressed by content hash.
	ArchiveDir string `yaml:"archive_dir"`
	// ArchiveCacheSize bounds the in-memory capture presence cache.
	ArchiveCacheSize int `yaml:"archive_cache_size"`
	// PollInterval is how often the rule engine scans for new events.
	PollInterval Duration `yaml:"poll_interval"`
	// StatsInterval is how often live sessions sync their statistics.
	StatsInterval Duration `yaml:"stats_interval"`
	// LogLevel is a zerolog level name: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		TraceListenAddr:  ":9400",
		HTTPListenAddr:   ":8080",
		DataDir:          "data",
		RulesDir:         "rules",
		ArchiveDir:       "captures",
		ArchiveCacheSize: 1024,
		PollInterval:     Duration(2 * time.Second),
		StatsInterval:    Duration(time.Second),
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns
// the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TraceListenAddr == "" {
		return fmt.Errorf("trace_listen_addr must not be empty")
	}
	if c.HTTPListenAddr == "" {
		return fmt.Errorf("http_listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ArchiveCacheSize < 1 {
		return fmt.Errorf("archive_cache_size must be positive, got %d", c.ArchiveCacheSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive")
	}
	return nil
}
