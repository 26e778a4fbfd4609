package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)

	path := filepath.Join(t.TempDir(), "blinkctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
path: /var/lib/blinktree/tree.blt
order: 32
segment_size: 16MiB
no_sync: true
record_cache: 4 MB
log_level: debug
`), 0644))
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, Config{
		Path:        "/var/lib/blinktree/tree.blt",
		Order:       32,
		SegmentSize: "16MiB",
		NoSync:      true,
		RecordCache: "4 MB",
		LogLevel:    "debug",
	}, cfg)

	tc, err := cfg.TreeConfig(nil)
	require.NoError(t, err)
	require.Equal(t, int64(16<<20), tc.SegmentSize)
	require.Equal(t, int64(4_000_000), tc.RecordCacheSize)
	require.Equal(t, 32, tc.Order)
	require.True(t, tc.NoSync)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = Config{SegmentSize: "lots"}.TreeConfig(nil)
	require.Error(t, err)
	_, err = Config{LogLevel: "loud"}.Logger()
	require.Error(t, err)
}
