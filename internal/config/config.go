package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	LogLevel  string
	LogFormat string // json or console

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Storage: "supabase" or "minio"
	StorageBackend        string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	MinioEndpoint         string
	MinioAccessKey        string
	MinioSecretKey        string
	MinioBucket           string
	MinioUseSSL           bool
	MinioPublicURL        string

	// Speech synthesis: "http", "openai" or "elevenlabs"
	TTSProvider       string
	SpeechServiceURL  string
	SpeechLanguage    string
	SpeechSpeed       float64
	OpenAIKey         string
	OpenAIVoice       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Face location: "centered" or "gemini"
	FaceLocator string
	GeminiKey   string
	GeminiModel string

	// External tools
	Tools ToolConfig

	// Media
	WorkDir             string // root of job-scoped working directories
	PublicDir           string // where /uploads/... character images live
	TemplateDir         string // base directory for template video files
	TemplateCatalogPath string // optional YAML/JSON catalog overriding the built-in one
	BackgroundMusicPath string // optional music track mixed under the narration
	WatermarkPath       string // optional PNG overlaid in the bottom-right corner

	// Worker
	MaxConcurrentJobs int
}

// ToolConfig holds binary locations and the per-invocation timeout for
// subprocess tools.
type ToolConfig struct {
	FFmpegPath  string
	FFprobePath string
	RhubarbPath string
	Timeout     time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		APIPort:               v.GetString("API_PORT"),
		WorkerEnabled:         v.GetBool("WORKER_ENABLED"),
		BackendAPIKey:         v.GetString("BACKEND_API_KEY"),
		CorsAllowedOrigins:    v.GetString("CORS_ALLOWED_ORIGINS"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisURL:              v.GetString("REDIS_URL"),
		StorageBackend:        strings.ToLower(v.GetString("STORAGE_BACKEND")),
		SupabaseURL:           v.GetString("SUPABASE_URL"),
		SupabaseServiceKey:    v.GetString("SUPABASE_SERVICE_KEY"),
		SupabaseStorageBucket: v.GetString("SUPABASE_STORAGE_BUCKET"),
		MinioEndpoint:         v.GetString("MINIO_ENDPOINT"),
		MinioAccessKey:        v.GetString("MINIO_ACCESS_KEY"),
		MinioSecretKey:        v.GetString("MINIO_SECRET_KEY"),
		MinioBucket:           v.GetString("MINIO_BUCKET"),
		MinioUseSSL:           v.GetBool("MINIO_USE_SSL"),
		MinioPublicURL:        v.GetString("MINIO_PUBLIC_URL"),
		TTSProvider:           strings.ToLower(v.GetString("TTS_PROVIDER")),
		SpeechServiceURL:      v.GetString("SPEECH_SERVICE_URL"),
		SpeechLanguage:        v.GetString("SPEECH_LANGUAGE"),
		SpeechSpeed:           v.GetFloat64("SPEECH_SPEED"),
		OpenAIKey:             v.GetString("OPENAI_API_KEY"),
		OpenAIVoice:           v.GetString("OPENAI_TTS_VOICE"),
		ElevenLabsKey:         v.GetString("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:     v.GetString("ELEVENLABS_VOICE_ID"),
		FaceLocator:           strings.ToLower(v.GetString("FACE_LOCATOR")),
		GeminiKey:             v.GetString("GEMINI_API_KEY"),
		GeminiModel:           v.GetString("GEMINI_MODEL"),
		Tools: ToolConfig{
			FFmpegPath:  v.GetString("FFMPEG_PATH"),
			FFprobePath: v.GetString("FFPROBE_PATH"),
			RhubarbPath: v.GetString("RHUBARB_PATH"),
			Timeout:     v.GetDuration("TOOL_TIMEOUT"),
		},
		WorkDir:             v.GetString("WORK_DIR"),
		PublicDir:           v.GetString("PUBLIC_DIR"),
		TemplateDir:         v.GetString("TEMPLATE_DIR"),
		TemplateCatalogPath: v.GetString("TEMPLATE_CATALOG_PATH"),
		BackgroundMusicPath: v.GetString("BACKGROUND_MUSIC_PATH"),
		WatermarkPath:       v.GetString("WATERMARK_PATH"),
		MaxConcurrentJobs:   v.GetInt("MAX_CONCURRENT_JOBS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API_PORT", "8080")
	v.SetDefault("WORKER_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("STORAGE_BACKEND", "supabase")
	v.SetDefault("SUPABASE_STORAGE_BUCKET", "ai-influencer-videos")
	v.SetDefault("MINIO_BUCKET", "ai-influencer-videos")
	v.SetDefault("TTS_PROVIDER", "http")
	v.SetDefault("SPEECH_SERVICE_URL", "http://localhost:3000/api/ai/text-to-speech")
	v.SetDefault("SPEECH_LANGUAGE", "en")
	v.SetDefault("SPEECH_SPEED", 1.0)
	v.SetDefault("OPENAI_TTS_VOICE", "alloy")
	v.SetDefault("FACE_LOCATOR", "centered")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("FFPROBE_PATH", "ffprobe")
	v.SetDefault("RHUBARB_PATH", "rhubarb")
	v.SetDefault("TOOL_TIMEOUT", 5*time.Minute)
	v.SetDefault("WORK_DIR", "uploads")
	v.SetDefault("PUBLIC_DIR", "public")
	v.SetDefault("TEMPLATE_DIR", "public")
	v.SetDefault("MAX_CONCURRENT_JOBS", 2)
}

// Validate checks required fields and provider-specific settings.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want supabase or minio)", c.StorageBackend)
	}

	switch c.TTSProvider {
	case "http":
		if c.SpeechServiceURL == "" {
			return fmt.Errorf("SPEECH_SERVICE_URL is required for the http TTS provider")
		}
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai TTS provider")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required for the elevenlabs TTS provider")
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	switch c.FaceLocator {
	case "centered":
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini face locator")
		}
	default:
		return fmt.Errorf("unknown FACE_LOCATOR %q", c.FaceLocator)
	}

	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be positive")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}

	return nil
}
