package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/config"
	"github.com/voicereel/voicereel/internal/logging"
	"github.com/voicereel/voicereel/internal/queue"
	"github.com/voicereel/voicereel/internal/render"
	"github.com/voicereel/voicereel/internal/storage"
	"github.com/voicereel/voicereel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	log.Info().Msg("starting voicereel worker")

	if cfg.RedisURL == "" {
		log.Fatal().Msg("REDIS_URL is required for the worker")
	}

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer q.Close()

	store, err := storage.NewS3(storage.S3Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Prefix:   cfg.S3Prefix,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	ffmpeg := render.NewFFmpeg(cfg.TempDir, cfg.RenderWidth, cfg.RenderHeight, cfg.RenderFPS)
	renderer := render.NewRenderer(store, ffmpeg)

	w := worker.New(q, renderer)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx, cfg.MaxConcurrentRenders)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()
}
