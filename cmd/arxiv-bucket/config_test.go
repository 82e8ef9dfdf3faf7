package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ARXIV_BUCKET_ENDPOINT", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	d, err := cfg.S3Timeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)
}

func TestConfigSaveLoad(t *testing.T) {
	t.Setenv("ARXIV_BUCKET_ENDPOINT", "")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	want := DefaultConfig()
	want.Driver = "sqlite3"
	want.S3.Endpoint = "http://localhost:9000"
	want.Sync.Concurrency = 8
	want.Sync.Extract = true
	require.NoError(t, want.Save(path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigPartial(t *testing.T) {
	t.Setenv("ARXIV_BUCKET_ENDPOINT", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  concurrency: 2\n  discard_archives: true\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sync.Concurrency)
	assert.True(t, cfg.Sync.DiscardArchives)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().S3, cfg.S3)
	assert.Equal(t, DefaultConfig().LRUSize, cfg.LRUSize)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ARXIV_BUCKET_ENDPOINT", "http://mirror.example:9000")
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.example:9000", cfg.S3.Endpoint)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("s3:\n  endpoint: http://other:9000\n"), 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.example:9000", cfg.S3.Endpoint)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":    "driver: [sqlite\n",
		"bad timeout": "s3:\n  timeout: soon\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestS3TimeoutEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.S3.Timeout = ""
	d, err := cfg.S3Timeout()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestDefaultRoot(t *testing.T) {
	t.Setenv("ARXIV_BUCKET_ROOT", "/data/arxiv")
	assert.Equal(t, "/data/arxiv", defaultRoot())

	t.Setenv("ARXIV_BUCKET_ROOT", "")
	assert.True(t, strings.HasSuffix(defaultRoot(), filepath.Join(".cache", "arxiv-bucket")))
}
