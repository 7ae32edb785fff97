package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixelcrypt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
workers: 3
threads: 2
compress: true
dataDir: /var/lib/pixelcrypt
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2, cfg.Threads)
	assert.True(t, cfg.Compress)
	assert.Equal(t, "/var/lib/pixelcrypt", cfg.DataDir)
	assert.Equal(t, Default().Coordinator, cfg.Coordinator, "unset keys keep their default")
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "workerz: 3\n"))
	assert.Error(t, err)
}

func TestLoadValidates(t *testing.T) {
	_, err := Load(writeConfig(t, "threads: 0\n"))
	assert.ErrorContains(t, err, "threads")

	_, err = Load(writeConfig(t, "workers: -1\n"))
	assert.ErrorContains(t, err, "workers")

	_, err = Load(writeConfig(t, "dataDir: \"\"\n"))
	assert.ErrorContains(t, err, "dataDir")

	_, err = Load(writeConfig(t, "dataDir: \"\"\ndisablePersistence: true\n"))
	assert.NoError(t, err)
}
