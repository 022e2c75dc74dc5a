package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bobarin/avatarvideo/internal/api"
	"github.com/bobarin/avatarvideo/internal/config"
	"github.com/bobarin/avatarvideo/internal/db"
	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/queue"
	"github.com/bobarin/avatarvideo/internal/services"
	"github.com/bobarin/avatarvideo/internal/storage"
	"github.com/bobarin/avatarvideo/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().Msg("Starting avatar video API...")

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	log.Info().Msg("Connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to queue")
	}
	defer q.Close()
	log.Info().Msg("Connected to Redis queue")

	handler := api.NewHandler(database, q)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var w *worker.Worker
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.WorkerEnabled {
		pipeline, err := buildPipeline(workerCtx, cfg, database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize pipeline")
		}

		w = worker.New(q, pipeline)
		if err := w.Start(workerCtx, cfg.MaxConcurrentJobs); err != nil {
			log.Fatal().Err(err).Msg("Failed to start worker")
		}
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight jobs finish before the process exits.
	if w != nil {
		workerCancel()
		w.Wait()
	}

	log.Info().Msg("Server exited")
}

// buildPipeline wires the providers selected by configuration.
func buildPipeline(ctx context.Context, cfg *config.Config, database *db.DB) (*worker.Pipeline, error) {
	drive, err := newDrive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var speech services.SpeechSynthesizer
	switch cfg.TTSProvider {
	case "openai":
		speech = services.NewOpenAISpeechService(cfg.OpenAIKey, cfg.OpenAIVoice, cfg.SpeechSpeed)
	case "elevenlabs":
		speech = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	default:
		speech = services.NewHTTPSpeechService(cfg.SpeechServiceURL, cfg.SpeechLanguage, cfg.SpeechSpeed)
	}
	log.Info().Str("provider", cfg.TTSProvider).Msg("Speech synthesis configured")

	var faces services.FaceLocator = services.CenteredFaceLocator{}
	if cfg.FaceLocator == "gemini" {
		faces = services.NewGeminiFaceLocator(cfg.GeminiKey, cfg.GeminiModel)
	}
	log.Info().Str("locator", cfg.FaceLocator).Msg("Face location configured")

	ffmpeg := services.NewFFmpegService(cfg.Tools.FFmpegPath, cfg.Tools.FFprobePath, cfg.Tools.Timeout)
	lipsync := services.NewLipSyncService(cfg.Tools.RhubarbPath, cfg.Tools.Timeout, ffmpeg)

	// Missing tools do not stop the server: jobs fail or degrade individually.
	tools := append(ffmpeg.Binaries(), lipsync.Binary())
	if err := services.CheckTools(tools...); err != nil {
		log.Error().Err(err).Msg("Some external tools are missing")
	}

	catalog, err := services.LoadTemplateCatalog(cfg.TemplateCatalogPath)
	if err != nil {
		return nil, err
	}
	templates := services.NewTemplateSelector(catalog, cfg.TemplateDir)
	present, total := templates.PresentCount()
	if present == 0 {
		log.Error().Str("dir", cfg.TemplateDir).Int("templates", total).Msg("No template files found; every job will fail")
	} else if present < total {
		log.Warn().Str("dir", cfg.TemplateDir).Int("present", present).Int("templates", total).Msg("Some template files are missing")
	}

	return worker.NewPipeline(worker.Deps{
		Store:     database,
		Images:    services.NewAssetFetcher(cfg.PublicDir),
		Faces:     faces,
		Speech:    speech,
		Mouths:    lipsync,
		Templates: templates,
		Media:     ffmpeg,
		Drive:     drive,
	}, worker.PipelineConfig{
		WorkDir:             cfg.WorkDir,
		BackgroundMusicPath: cfg.BackgroundMusicPath,
		WatermarkPath:       cfg.WatermarkPath,
	}), nil
}

func newDrive(ctx context.Context, cfg *config.Config) (storage.Drive, error) {
	if cfg.StorageBackend != "minio" {
		log.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("Initialized Supabase storage")
		return storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket), nil
	}

	m, err := storage.NewMinio(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		PublicURL: cfg.MinioPublicURL,
	})
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.EnsureBucket(bctx); err != nil {
		return nil, err
	}
	log.Info().Str("bucket", cfg.MinioBucket).Msg("Initialized MinIO storage")
	return m, nil
}
