package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"CHUNK_SIZE", "MAX_FILE_SIZE", "SIMPLE_UPLOAD_MAX_SIZE", "RETENTION_MINUTES",
		"CLEANUP_INTERVAL_SECONDS", "PROGRESS_FORMAT", "GIN_MODE", "FFMPEG_PATH", "JOB_CONCURRENCY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(5*1024*1024), cfg.ChunkSize)
	assert.Equal(t, cfg.ChunkSize, cfg.SimpleUploadMaxSize)
	assert.Equal(t, 15*time.Minute, cfg.Retention())
	assert.Equal(t, time.Minute, cfg.CleanupInterval())
	assert.Equal(t, ProgressFormatClock, cfg.ProgressFormat)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "")
	t.Setenv("CHUNK_SIZE", "1024")
	t.Setenv("MAX_FILE_SIZE", "4096")
	t.Setenv("RETENTION_MINUTES", "3")
	t.Setenv("PROGRESS_FORMAT", ProgressFormatMicros)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), cfg.ChunkSize)
	assert.Equal(t, int64(4096), cfg.MaxFileSize)
	assert.Equal(t, 3*time.Minute, cfg.Retention())
	assert.Equal(t, ProgressFormatMicros, cfg.ProgressFormat)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Config{
		ChunkSize:              10,
		MaxFileSize:            100,
		SimpleUploadMaxSize:    10,
		RetentionMinutes:       1,
		CleanupIntervalSeconds: 1,
		FFmpegPath:             "ffmpeg",
		ProgressFormat:         ProgressFormatClock,
		JobConcurrency:         1,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.MaxFileSize = 5
	assert.Error(t, bad.Validate())

	bad = base
	bad.ProgressFormat = "regex"
	assert.Error(t, bad.Validate())

	bad = base
	bad.JobConcurrency = 0
	assert.Error(t, bad.Validate())
}
