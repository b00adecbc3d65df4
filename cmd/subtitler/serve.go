package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"video-subtitler/internal/api"
	"video-subtitler/internal/artifact"
	"video-subtitler/internal/config"
	"video-subtitler/internal/media/ffprobe"
	"video-subtitler/internal/pipeline"
	"video-subtitler/internal/queue"
	"video-subtitler/internal/ratelimit"
	"video-subtitler/internal/render"
	"video-subtitler/internal/store"
	"video-subtitler/internal/telemetry"
	"video-subtitler/internal/transcribe"
	"video-subtitler/internal/validate"
	"video-subtitler/internal/worker"
)

func newServeCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	// The janitor deletes files it does not know about, so two processes
	// must never share the same upload and work directories.
	lockPath := filepath.Join(cfg.Pipeline.WorkDir, ".subtitler.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another subtitler instance is using %s", cfg.Pipeline.WorkDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("release work dir lock")
		}
	}()

	jobs := store.NewJobStore()
	hub := api.NewHub()
	jobs.Observe(hub.Notify)

	drainAudit := func(context.Context) {}
	if cfg.Postgres.DSN != "" {
		auditor, err := store.NewAuditor(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer auditor.Close()
		if err := auditor.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		jobs.Observe(auditor.Observer())
		// Jobs keep transitioning after the signal while the scheduler drains,
		// so the writer stops only once the workers are done.
		auditCtx, stopAudit := context.WithCancel(context.Background())
		defer stopAudit()
		auditDone := make(chan struct{})
		go func() {
			defer close(auditDone)
			auditor.Run(auditCtx)
		}()
		drainAudit = func(ctx context.Context) {
			stopAudit()
			<-auditDone
			if n := auditor.Drain(ctx); n > 0 {
				log.Warn().Int("rows", n).Msg("audit rows dropped at shutdown")
			}
		}
		log.Info().Msg("postgres audit log enabled")
	}

	backend, err := newBackend(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}
	artifacts := artifact.NewStore(backend)

	prober := ffprobe.Prober{Binary: cfg.Render.FFprobe}
	whisper := transcribe.NewWhisper(transcribe.Options{
		Binary:      cfg.Transcribe.Binary,
		Model:       cfg.Transcribe.Model,
		Language:    cfg.Transcribe.Language,
		Concurrency: cfg.Transcribe.Concurrency,
		Timeout:     cfg.Pipeline.StageTimeout,
	})
	renderer := render.New(render.Options{
		FFmpeg: cfg.Render.FFmpeg,
		Preset: cfg.Render.Preset,
		CRF:    cfg.Render.CRF,
	}, prober)

	processor := worker.NewProcessor(jobs, whisper, renderer, artifacts, worker.Options{
		WorkDir:      cfg.Pipeline.WorkDir,
		StageTimeout: cfg.Pipeline.StageTimeout,
	})

	// Jobs outlive the signal context so in-flight work can drain on shutdown.
	scheduler := queue.New(context.Background(), jobs, cfg.Pipeline.Workers, processor.Run)
	scheduler.OnChange(telemetry.ObserveSlots)

	validator := validate.New(prober, cfg.Limits.MaxUploadBytes, cfg.Limits.MaxDuration, cfg.Limits.AllowedExtensions)
	svc, err := pipeline.NewService(jobs, validator, scheduler, artifacts, cfg.Pipeline.UploadDir)
	if err != nil {
		return err
	}

	scratch := []string{cfg.Pipeline.UploadDir, cfg.Pipeline.WorkDir}
	if local, ok := backend.(*artifact.LocalBackend); ok {
		// Outputs orphaned by a crash have no job left to retire them.
		scratch = append(scratch, local.Dir())
	}
	janitor := artifact.NewJanitor(artifacts, jobs, cfg.Retention.Window, cfg.Retention.DownloadGrace, scratch...)
	janitor.Start(ctx, cfg.Retention.SweepInterval)

	var limiter api.Limiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		limiter = ratelimit.NewTokenBucket(client, cfg.Limits.RateCapacity, cfg.Limits.RateRefill, 0)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("upload rate limiting enabled")
	}

	server := api.New(svc, hub, limiter, renderer, api.Options{
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		Transcriber:    whisper.Model(),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Int("workers", scheduler.Size()).
			Str("artifacts", cfg.Artifacts.Backend).
			Msg("subtitler listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("workers still running at shutdown deadline")
	}
	drainAudit(shutdownCtx)
	return nil
}

func newBackend(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return artifact.NewS3Backend(ctx, artifact.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
	default:
		return artifact.NewLocalBackend(cfg.OutputDir)
	}
}
