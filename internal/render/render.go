// Package render burns subtitle cues into a video with ffmpeg.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"video-subtitler/internal/media/command"
	"video-subtitler/internal/media/ffprobe"
	"video-subtitler/internal/models"
	"video-subtitler/internal/subtitles"
)

// Stage is the job state name reported on render failures.
const Stage = "processing_video"

// ErrRender marks failures of the encode engine.
var ErrRender = errors.New("render failed")

// Prober reads the dimensions of the source video.
type Prober interface {
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
}

// Options configures ffmpeg.
type Options struct {
	FFmpeg string
	Preset string
	CRF    int
}

// Renderer drives ffmpeg's ass filter.
type Renderer struct {
	opts   Options
	prober Prober
	runner command.Runner
}

// New constructs a Renderer.
func New(opts Options, prober Prober) *Renderer {
	if strings.TrimSpace(opts.FFmpeg) == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.Preset == "" {
		opts.Preset = "fast"
	}
	if opts.CRF <= 0 {
		opts.CRF = 23
	}
	return &Renderer{opts: opts, prober: prober, runner: command.Exec{}}
}

// WithRunner swaps the process runner (for testing).
func (r *Renderer) WithRunner(runner command.Runner) *Renderer {
	r.runner = runner
	return r
}

func fail(message string, err error) error {
	return &models.StageError{Stage: Stage, Message: message, Err: fmt.Errorf("%w: %w", ErrRender, err)}
}

// Render writes output: input re-encoded with cues burned in and the audio
// stream copied through unchanged.
func (r *Renderer) Render(ctx context.Context, input string, cues []models.Cue, output string) error {
	if len(cues) == 0 {
		return fail("no cues to render", errors.New("empty cue list"))
	}
	width, height := r.dimensions(ctx, input)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fail("cannot create output directory", err)
	}
	script := strings.TrimSuffix(output, filepath.Ext(output)) + ".ass"
	if err := writeScript(script, cues, width, height); err != nil {
		return fail("cannot write subtitle script", err)
	}
	defer os.Remove(script)

	args := []string{
		"-y",
		"-i", input,
		"-vf", "ass=" + escapeFilterPath(script),
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", r.opts.Preset,
		"-crf", strconv.Itoa(r.opts.CRF),
		output,
	}
	log.Debug().Str("input", input).Str("output", output).Int("cues", len(cues)).Msg("running ffmpeg")
	res, err := r.runner.Run(ctx, r.opts.FFmpeg, args...)
	if err != nil {
		_ = os.Remove(output)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(interrupted("video processing", ctxErr), ctxErr)
		}
		reason := command.LastLine(res.Stderr)
		if reason == "" {
			reason = err.Error()
		}
		return fail("encoder error: "+reason, err)
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		if err == nil {
			err = errors.New("empty output file")
		}
		return fail("encoder produced no output", err)
	}
	return nil
}

func (r *Renderer) dimensions(ctx context.Context, input string) (int, int) {
	if r.prober == nil {
		return subtitles.DefaultWidth, subtitles.DefaultHeight
	}
	res, err := r.prober.Probe(ctx, input)
	if err != nil {
		log.Warn().Err(err).Str("input", input).Msg("probe dimensions, using default canvas")
		return subtitles.DefaultWidth, subtitles.DefaultHeight
	}
	w, h, ok := res.Dimensions()
	if !ok {
		return subtitles.DefaultWidth, subtitles.DefaultHeight
	}
	return w, h
}

func writeScript(path string, cues []models.Cue, width, height int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := subtitles.WriteASS(f, cues, width, height); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// escapeFilterPath quotes a path for use as an ffmpeg filter option.
func escapeFilterPath(path string) string {
	path = filepath.ToSlash(path)
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`, `,`, `\,`, `[`, `\[`, `]`, `\]`)
	return r.Replace(path)
}

// Thumbnail grabs a frame one second into video and returns it as a JPEG
// scaled to width pixels wide.
func (r *Renderer) Thumbnail(ctx context.Context, video string, width int) ([]byte, error) {
	if width <= 0 {
		width = 320
	}
	dir, err := os.MkdirTemp("", "thumb-*")
	if err != nil {
		return nil, fmt.Errorf("thumbnail scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	frame := filepath.Join(dir, "frame.png")
	res, err := r.runner.Run(ctx, r.opts.FFmpeg, "-y", "-ss", "1", "-i", video, "-frames:v", "1", frame)
	if err != nil {
		return nil, fmt.Errorf("%w: grab frame: %s", ErrRender, command.LastLine(res.Stderr))
	}
	img, err := imaging.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return encodeThumbnail(img, width)
}

func encodeThumbnail(img image.Image, width int) ([]byte, error) {
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, errors.New("invalid frame dimensions")
	}
	img = imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func interrupted(what string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return what + " timed out"
	}
	return what + " cancelled"
}
