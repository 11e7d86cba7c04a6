package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/delphinos/delphinos-partition/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partition.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(BackendEnv, "")
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendSystem, cfg.Backend)
	assert.Equal(t, "/dev/loop0", cfg.Image.Node)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.JournalEnabled())
	assert.Equal(t, journal.DefaultPath, cfg.Journal.Path)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(BackendEnv, "")
	path := writeConfig(t, `
backend: image
image:
  path: /tmp/disk.img
  node: /dev/loop7
journal:
  enabled: false
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendImage, cfg.Backend)
	assert.Equal(t, "/tmp/disk.img", cfg.Image.Path)
	assert.Equal(t, "/dev/loop7", cfg.Image.Node)
	assert.Equal(t, "32GiB", cfg.Image.Size)
	assert.False(t, cfg.JournalEnabled())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, journal.DefaultPath, cfg.Journal.Path)
}

func TestEnvOverridesBackend(t *testing.T) {
	path := writeConfig(t, "backend: system\n")
	t.Setenv(BackendEnv, "dry-run")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendDryRun, cfg.Backend)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv(BackendEnv, "")

	_, err := Load(writeConfig(t, "backend: parted\n"))
	assert.ErrorContains(t, err, "unknown backend")

	_, err = Load(writeConfig(t, "backend: image\n"))
	assert.ErrorContains(t, err, "image.path")

	_, err = Load(writeConfig(t, "backend: [\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
