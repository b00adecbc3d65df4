package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"video-subtitler/internal/models"
	"video-subtitler/internal/render"
	"video-subtitler/internal/subtitles"
	"video-subtitler/internal/telemetry"
	"video-subtitler/internal/transcribe"
)

// JobStore is the part of the job table a worker writes through.
type JobStore interface {
	Get(id string) (models.Job, error)
	Update(id string, fn func(*models.Job) error) (models.Job, error)
	Fail(id string, cause error) (models.Job, error)
}

// Renderer burns cues into a video.
type Renderer interface {
	Render(ctx context.Context, input string, cues []models.Cue, output string) error
}

// Artifacts takes ownership of finished outputs.
type Artifacts interface {
	Put(ctx context.Context, jobID, srcPath string) (string, error)
}

// CueGenerator turns a transcript into cues.
type CueGenerator func(words []models.Word, style models.Style, mode models.DisplayMode, position models.Position) ([]models.Cue, error)

// Options tunes the processor.
type Options struct {
	WorkDir      string
	StageTimeout time.Duration
	// KeepInput leaves the uploaded file in place after the job finishes.
	KeepInput bool
}

// Processor runs one job through transcription, styling and rendering
// inside the worker slot the scheduler gave it. It is the only writer of a
// job between admission and its terminal state.
type Processor struct {
	store       JobStore
	transcriber transcribe.Transcriber
	generate    CueGenerator
	renderer    Renderer
	artifacts   Artifacts
	opts        Options
}

// NewProcessor wires the pipeline stages together.
func NewProcessor(st JobStore, tr transcribe.Transcriber, r Renderer, a Artifacts, opts Options) *Processor {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 10 * time.Minute
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Processor{
		store:       st,
		transcriber: tr,
		generate:    subtitles.Generate,
		renderer:    r,
		artifacts:   a,
		opts:        opts,
	}
}

// Run executes the job. The scheduler has already moved it to transcribing;
// Run leaves it completed or failed.
func (p *Processor) Run(ctx context.Context, jobID string) {
	job, err := p.store.Get(jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("load job")
		return
	}
	logger := log.With().Str("job_id", jobID).Logger()
	if !p.opts.KeepInput {
		defer removeInput(job.InputPath)
	}

	started := time.Now()
	if err := p.run(ctx, job); err != nil {
		stage := stageOf(err)
		if _, ferr := p.store.Fail(jobID, err); ferr != nil {
			logger.Error().Err(ferr).Msg("record failure")
		}
		telemetry.JobsFailed.WithLabelValues(stage).Inc()
		logger.Warn().Err(err).Str("stage", stage).Msg("job failed")
		return
	}
	telemetry.JobsCompleted.Inc()
	logger.Info().Dur("elapsed", time.Since(started)).Msg("job completed")
}

func (p *Processor) run(ctx context.Context, job models.Job) error {
	var words []models.Word
	err := p.stage(ctx, transcribe.Stage, p.transcribeTimeout(), func(sctx context.Context) error {
		var err error
		words, err = p.transcriber.Transcribe(sctx, job.InputPath)
		return err
	})
	if err != nil {
		return err
	}
	if err := p.advance(job.ID, models.StateGeneratingSubtitles, models.ProgressGeneratingSubtitles, func(j *models.Job) {
		j.Transcript = words
	}); err != nil {
		return err
	}

	var cues []models.Cue
	err = p.stage(ctx, subtitles.Stage, p.opts.StageTimeout, func(context.Context) error {
		var err error
		cues, err = p.generate(words, job.Style, job.DisplayMode, job.Position)
		return err
	})
	if err != nil {
		return err
	}
	if err := p.advance(job.ID, models.StateProcessingVideo, models.ProgressProcessingVideo, func(j *models.Job) {
		j.Cues = cues
	}); err != nil {
		return err
	}

	var ref string
	err = p.stage(ctx, render.Stage, p.opts.StageTimeout, func(sctx context.Context) error {
		output := filepath.Join(p.opts.WorkDir, job.ID+"_subtitled.mp4")
		if err := p.renderer.Render(sctx, job.InputPath, cues, output); err != nil {
			return err
		}
		var err error
		if ref, err = p.artifacts.Put(sctx, job.ID, output); err != nil {
			_ = os.Remove(output)
			return &models.StageError{Stage: render.Stage, Message: "cannot store output", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.advance(job.ID, models.StateCompleted, models.ProgressCompleted, func(j *models.Job) {
		j.OutputRef = ref
	})
}

// transcribeTimeout is zero when the transcriber owns its deadline, so a job
// queued behind another transcription does not burn its budget waiting.
func (p *Processor) transcribeTimeout() time.Duration {
	if t, ok := p.transcriber.(transcribe.SelfTimed); ok && t.Timeout() > 0 {
		return 0
	}
	return p.opts.StageTimeout
}

// stage runs fn under timeout, if any, and records its duration.
func (p *Processor) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(sctx)
	telemetry.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		var stageErr *models.StageError
		if !errors.As(err, &stageErr) {
			err = &models.StageError{Stage: name, Message: err.Error(), Err: err}
		}
		return err
	}
	log.Debug().Str("stage", name).Dur("elapsed", time.Since(start)).Msg("stage finished")
	return nil
}

// advance publishes a checkpoint: the stage's result, the next state and its
// progress land in one snapshot.
func (p *Processor) advance(id string, to models.State, progress int, set func(*models.Job)) error {
	_, err := p.store.Update(id, func(j *models.Job) error {
		set(j)
		j.State = to
		j.Progress = progress
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", to, err)
	}
	return nil
}

func stageOf(err error) string {
	var stageErr *models.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return "internal"
}

func removeInput(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("remove input")
	}
}
