package main

import (
	"flag"
	"strconv"

	"github.com/nyan233/blinktree/internal/config"
)

type settableBool struct {
	set bool
	val bool
}

func (b *settableBool) Set(s string) error {
	b.set = true
	if s == "" {
		b.val = true
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.val = v
	return nil
}

func (b *settableBool) String() string {
	if b == nil || !b.set {
		return "false"
	}
	return strconv.FormatBool(b.val)
}

func (b *settableBool) IsBoolFlag() bool { return true }

// CLIOverrides carries CLI-provided values. Empty strings and zero mean
// "not set".
type CLIOverrides struct {
	Path        string
	Order       int
	SegmentSize string
	NoSync      *bool
	RecordCache string
	LogLevel    string
}

func mergeConfig(fileCfg config.Config, cli CLIOverrides) config.Config {
	cfg := fileCfg

	if cli.Path != "" {
		cfg.Path = cli.Path
	}
	if cli.Order != 0 {
		cfg.Order = cli.Order
	}
	if cli.SegmentSize != "" {
		cfg.SegmentSize = cli.SegmentSize
	}
	if cli.NoSync != nil {
		cfg.NoSync = *cli.NoSync
	}
	if cli.RecordCache != "" {
		cfg.RecordCache = cli.RecordCache
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	if cfg.Path == "" {
		cfg.Path = "./tree.blt"
	}
	if cfg.RecordCache == "" {
		cfg.RecordCache = "8MiB"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	return cfg
}

// loadEffectiveConfig parses the global flags, the optional YAML config and
// returns the merged configuration with the remaining arguments.
func loadEffectiveConfig(fs *flag.FlagSet, args []string) (config.Config, []string, error) {
	var (
		configPath  string
		path        string
		order       int
		segmentSize string
		noSync      settableBool
		recordCache string
		logLevel    string
	)
	fs.StringVar(&configPath, "config", "", "path to YAML config file")
	fs.StringVar(&path, "path", "", "tree file path")
	fs.IntVar(&order, "order", 0, "node order K, required to create a tree")
	fs.StringVar(&segmentSize, "segment-size", "", "mapping segment size for new trees (e.g. 64MiB)")
	fs.Var(&noSync, "no-sync", "skip msync/fsync")
	fs.StringVar(&recordCache, "record-cache", "", "record cache budget (e.g. 8MiB, 0 disables)")
	fs.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}

	cfgFile, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	cli := CLIOverrides{
		Path:        path,
		Order:       order,
		SegmentSize: segmentSize,
		RecordCache: recordCache,
		LogLevel:    logLevel,
	}
	if noSync.set {
		cli.NoSync = &noSync.val
	}
	return mergeConfig(cfgFile, cli), fs.Args(), nil
}
