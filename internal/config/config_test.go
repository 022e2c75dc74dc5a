package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/avatar?sslmode=disable")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.True(t, cfg.WorkerEnabled)
	assert.Equal(t, "supabase", cfg.StorageBackend)
	assert.Equal(t, "http", cfg.TTSProvider)
	assert.Equal(t, "centered", cfg.FaceLocator)
	assert.Equal(t, "ffmpeg", cfg.Tools.FFmpegPath)
	assert.Equal(t, "ffprobe", cfg.Tools.FFprobePath)
	assert.Equal(t, "rhubarb", cfg.Tools.RhubarbPath)
	assert.Equal(t, 5*time.Minute, cfg.Tools.Timeout)
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.InDelta(t, 1.0, cfg.SpeechSpeed, 0.0001)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RHUBARB_PATH", "/opt/rhubarb/rhubarb")
	t.Setenv("TOOL_TIMEOUT", "90s")
	t.Setenv("MAX_CONCURRENT_JOBS", "6")
	t.Setenv("TTS_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/opt/rhubarb/rhubarb", cfg.Tools.RhubarbPath)
	assert.Equal(t, 90*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 6, cfg.MaxConcurrentJobs)
	assert.Equal(t, "openai", cfg.TTSProvider)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")

	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestValidateProviders(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabaseURL:       "postgres://x",
			StorageBackend:    "minio",
			MinioEndpoint:     "localhost:9000",
			MinioAccessKey:    "a",
			MinioSecretKey:    "b",
			TTSProvider:       "http",
			SpeechServiceURL:  "http://tts",
			FaceLocator:       "centered",
			Tools:             ToolConfig{Timeout: time.Minute},
			MaxConcurrentJobs: 1,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.TTSProvider = "elevenlabs"
	assert.ErrorContains(t, cfg.Validate(), "ELEVENLABS_API_KEY")

	cfg = base()
	cfg.FaceLocator = "gemini"
	assert.ErrorContains(t, cfg.Validate(), "GEMINI_API_KEY")

	cfg = base()
	cfg.StorageBackend = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "STORAGE_BACKEND")

	cfg = base()
	cfg.Tools.Timeout = 0
	assert.ErrorContains(t, cfg.Validate(), "TOOL_TIMEOUT")
}
