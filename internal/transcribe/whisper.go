package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"video-subtitler/internal/media/command"
	"video-subtitler/internal/models"
)

// DefaultModel is the whisper model used when none is configured.
const DefaultModel = "turbo"

// Options configures the whisper CLI adapter.
type Options struct {
	Binary   string
	Model    string
	Language string
	// Concurrency bounds simultaneous whisper processes; the model is
	// memory heavy so the default is one.
	Concurrency int
	// Timeout bounds a single whisper run. The clock starts once the call
	// holds a slot, so time spent queued behind other jobs is not charged.
	Timeout time.Duration
}

// Whisper runs the openai-whisper CLI with word timestamps enabled.
type Whisper struct {
	opts      Options
	runner    command.Runner
	gate      chan struct{}
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
}

// NewWhisper constructs the production adapter.
func NewWhisper(opts Options) *Whisper {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = "whisper"
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Whisper{
		opts:      opts,
		runner:    command.Exec{},
		gate:      make(chan struct{}, opts.Concurrency),
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readFile:  os.ReadFile,
	}
}

// WithRunner swaps the process runner (for testing).
func (w *Whisper) WithRunner(r command.Runner) *Whisper {
	w.runner = r
	return w
}

// Model returns the configured model name for logging.
func (w *Whisper) Model() string {
	return w.opts.Model
}

// Timeout reports the per-run deadline; zero leaves bounding to the caller.
func (w *Whisper) Timeout() time.Duration {
	return w.opts.Timeout
}

// Transcribe runs whisper against mediaPath and returns its words.
func (w *Whisper) Transcribe(ctx context.Context, mediaPath string) ([]models.Word, error) {
	select {
	case w.gate <- struct{}{}:
		defer func() { <-w.gate }()
	case <-ctx.Done():
		return nil, fail("cancelled waiting for transcriber", fmt.Errorf("%w: %w", ErrTranscription, ctx.Err()))
	}
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	outDir, err := w.mkdirTemp("", "whisper-*")
	if err != nil {
		return nil, fail("cannot create scratch directory", fmt.Errorf("%w: %w", ErrTranscription, err))
	}
	defer func() {
		if err := w.removeAll(outDir); err != nil {
			log.Warn().Err(err).Str("dir", outDir).Msg("remove whisper scratch dir")
		}
	}()

	args := []string{
		mediaPath,
		"--model", w.opts.Model,
		"--word_timestamps", "True",
		"--output_format", "json",
		"--output_dir", outDir,
	}
	if w.opts.Language != "" {
		args = append(args, "--language", w.opts.Language)
	}

	log.Debug().Str("media", mediaPath).Str("model", w.opts.Model).Msg("running whisper")
	res, err := w.runner.Run(ctx, w.opts.Binary, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fail(interrupted("transcription", ctxErr), fmt.Errorf("%w: %w", ErrTranscription, ctxErr))
		}
		reason := command.LastLine(res.Stderr)
		if reason == "" {
			reason = err.Error()
		}
		return nil, fail("speech service error: "+reason, fmt.Errorf("%w: %w", ErrTranscription, err))
	}

	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	raw, err := w.readFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return nil, fail("speech service produced no transcript", fmt.Errorf("%w: %w", ErrTranscription, err))
	}
	words, err := ParseWords(raw)
	if err != nil {
		return nil, fail("corrupt transcript", fmt.Errorf("%w: %w", ErrTranscription, err))
	}
	if len(words) == 0 {
		return nil, fail("no speech detected", ErrNoSpeech)
	}
	return words, nil
}

func interrupted(what string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return what + " timed out"
	}
	return what + " cancelled"
}
