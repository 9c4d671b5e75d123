package config

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, cfg.Paging.PageSize)
	assert.Equal(t, 1<<20, cfg.Upload.ChunkSize)
	assert.Equal(t, "rpm", cfg.Upload.ContentKind)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rpmctl.yaml")
	yml := `
filesystem:
  uploadWorkingDir: /tmp/uploads
upload:
  chunkSize: 4096
paging:
  pageSize: 250
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("RT_UPLOAD_CHUNK_SIZE", "8192")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.Upload.ChunkSize)
	assert.Equal(t, 250, cfg.Paging.PageSize)

	wd, err := cfg.UploadWorkingDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/uploads", "rpm"), wd)
}

func TestValidateRejectsBadSizes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk", func(c *Config) { c.Upload.ChunkSize = 0 }},
		{"negative page", func(c *Config) { c.Paging.PageSize = -1 }},
		{"no working dir", func(c *Config) { c.Filesystem.UploadWorkingDir = "" }},
		{"nested kind", func(c *Config) { c.Upload.ContentKind = "rpm/../iso" }},
		{"unknown store", func(c *Config) { c.Upload.Store = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), apperrors.ErrConfiguration)
		})
	}
}

func TestUploadWorkingDirExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := defaultConfig()
	cfg.Filesystem.UploadWorkingDir = "~/uploads"

	wd, err := cfg.UploadWorkingDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "uploads", "rpm"), wd)
}
