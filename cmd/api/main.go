package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/analyze"
	"github.com/voicereel/voicereel/internal/api"
	"github.com/voicereel/voicereel/internal/config"
	"github.com/voicereel/voicereel/internal/db"
	"github.com/voicereel/voicereel/internal/imagebus"
	"github.com/voicereel/voicereel/internal/logging"
	"github.com/voicereel/voicereel/internal/manifest"
	"github.com/voicereel/voicereel/internal/pipeline"
	"github.com/voicereel/voicereel/internal/queue"
	"github.com/voicereel/voicereel/internal/render"
	"github.com/voicereel/voicereel/internal/storage"
	"github.com/voicereel/voicereel/internal/transcribe"
	"github.com/voicereel/voicereel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	log.Info().Msg("starting voicereel api")

	// Database is optional; without it there are no run records or stage logs.
	var database *db.DB
	if cfg.DatabaseURL != "" {
		database, err = db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer database.Close()
		log.Info().Msg("connected to database")
	} else {
		log.Warn().Msg("DATABASE_URL not set, run records disabled")
	}

	store, err := storage.NewS3(storage.S3Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Prefix:   cfg.S3Prefix,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	transcriber := transcribe.NewWhisper(cfg.OpenAIKey)

	var analyzer analyze.Analyzer
	if cfg.Analyzer == "gemini" {
		analyzer = analyze.NewGemini(cfg.GeminiKey)
		log.Info().Msg("query analyzer: gemini")
	} else {
		analyzer = analyze.NewOpenAI(cfg.OpenAIKey)
		log.Info().Msg("query analyzer: openai")
	}

	bus := imagebus.New(cfg.ImagePolicy, buildProviders(cfg))
	manifests := manifest.NewRepository(store)

	ffmpeg := render.NewFFmpeg(cfg.TempDir, cfg.RenderWidth, cfg.RenderHeight, cfg.RenderFPS)
	renderer := render.NewRenderer(store, ffmpeg)

	// Redis is optional; without it rendering runs in-process.
	var dispatcher pipeline.RenderDispatcher
	var q *queue.Queue
	if cfg.RedisURL != "" {
		q, err = queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer q.Close()
		dispatcher = pipeline.NewQueuedDispatcher(q)
		log.Info().Msg("render dispatch: redis queue")
	} else {
		dispatcher = pipeline.NewInProcessDispatcher(renderer, cfg.MaxConcurrentRenders)
		log.Info().Msg("render dispatch: in-process")
	}

	controller := pipeline.NewController(store, transcriber, analyzer, bus, manifests, dispatcher, database, pipeline.ControllerConfig{
		ImagesPerSegment: cfg.ImagesPerSegment,
		ChunkDurationSec: cfg.ChunkDurationSec,
		CombineReencode:  cfg.CombineReencode,
		RenderWidth:      cfg.RenderWidth,
		RenderHeight:     cfg.RenderHeight,
	})
	recovery := pipeline.NewRecovery(store, manifests, dispatcher)

	handler := api.NewHandler(controller, recovery, manifests, database)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("api key authentication enabled")
	} else {
		log.Warn().Msg("no BACKEND_API_KEY set, api is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Optionally consume the render queue in this process too.
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled && q != nil {
		w := worker.New(q, renderer)
		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentRenders)
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("api server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

// buildProviders assembles the image provider set. Keyed providers join only
// when their credential is configured; the keyless ones are always available.
func buildProviders(cfg *config.Config) []imagebus.Provider {
	var providers []imagebus.Provider
	if cfg.UnsplashAccessKey != "" {
		providers = append(providers, imagebus.NewUnsplash(cfg.UnsplashAccessKey))
	}
	if cfg.PexelsAPIKey != "" {
		providers = append(providers, imagebus.NewPexels(cfg.PexelsAPIKey))
	}
	if cfg.PixabayAPIKey != "" {
		providers = append(providers, imagebus.NewPixabay(cfg.PixabayAPIKey))
	}
	providers = append(providers,
		imagebus.NewOpenverse(),
		imagebus.NewWikimedia(),
		imagebus.NewLoremPicsum(),
	)
	return providers
}
