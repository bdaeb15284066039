package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, int64(500*1024*1024), cfg.Upload.MaxPayloadBytes)
	assert.Equal(t, int64(5*1024*1024), cfg.Upload.ChunkSizeBytes)
	assert.Equal(t, 24*time.Hour, cfg.Upload.SessionMaxAge)
	assert.Equal(t, time.Hour, cfg.Upload.SweepInterval)
	assert.Equal(t, "memory", cfg.Upload.SessionBackend)
	assert.Equal(t, "disk", cfg.Upload.StagingBackend)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
upload:
  chunk_size_bytes: 1048576
  session_max_age: 2h
  sweep_interval: 10m
  session_backend: redis
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1048576), cfg.Upload.ChunkSizeBytes)
	assert.Equal(t, 2*time.Hour, cfg.Upload.SessionMaxAge)
	assert.Equal(t, 10*time.Minute, cfg.Upload.SweepInterval)
	assert.Equal(t, "redis", cfg.Upload.SessionBackend)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	t.Setenv("SCREENFORGE_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, "upload:\n  session_backend: etcd\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestUploadConfig_Validate(t *testing.T) {
	base := UploadConfig{
		MaxPayloadBytes: 100,
		ChunkSizeBytes:  10,
		MaxChunkBytes:   20,
		MaxTotalChunks:  10,
		SessionMaxAge:   time.Hour,
		SweepInterval:   time.Minute,
		SessionBackend:  "memory",
		StagingBackend:  "disk",
	}
	assert.NoError(t, base.Validate())

	bad := base
	bad.MaxChunkBytes = 5
	assert.Error(t, bad.Validate())

	bad = base
	bad.ChunkSizeBytes = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.StagingBackend = "s3"
	assert.Error(t, bad.Validate())
}
