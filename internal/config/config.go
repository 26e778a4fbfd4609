package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/nyan233/blinktree"
)

// Config is the blinkctl configuration loaded from YAML and/or flags. Sizes
// are human readable ("64MiB", "16 MB").
type Config struct {
	Path        string `yaml:"path"`
	Order       int    `yaml:"order"`
	SegmentSize string `yaml:"segment_size"`
	NoSync      bool   `yaml:"no_sync"`
	RecordCache string `yaml:"record_cache"`
	LogLevel    string `yaml:"log_level"`
}

// Load reads a YAML config file from path. If path is empty or the file
// does not exist, returns an empty Config and nil error.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close config file %q: %v\n", path, closeErr)
		}
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Logger() (*slog.Logger, error) {
	var level slog.Level
	if c.LogLevel != "" {
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return nil, err
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// TreeConfig converts c into the library configuration.
func (c Config) TreeConfig(logger *slog.Logger) (blinktree.Config, error) {
	tc := blinktree.Config{
		Path:   c.Path,
		Order:  c.Order,
		NoSync: c.NoSync,
		Logger: logger,
	}
	if c.SegmentSize != "" {
		v, err := humanize.ParseBytes(c.SegmentSize)
		if err != nil {
			return tc, fmt.Errorf("segment_size: %w", err)
		}
		tc.SegmentSize = int64(v)
	}
	if c.RecordCache != "" {
		v, err := humanize.ParseBytes(c.RecordCache)
		if err != nil {
			return tc, fmt.Errorf("record_cache: %w", err)
		}
		tc.RecordCacheSize = int64(v)
	}
	return tc, nil
}
