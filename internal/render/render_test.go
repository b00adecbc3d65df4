package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"video-subtitler/internal/media/command"
	"video-subtitler/internal/media/ffprobe"
	"video-subtitler/internal/models"
	"video-subtitler/internal/subtitles"
)

type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (command.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	return f.run(ctx, name, args...)
}

type fakeProber struct {
	result ffprobe.Result
	err    error
}

func (f fakeProber) Probe(context.Context, string) (ffprobe.Result, error) {
	return f.result, f.err
}

func sampleCues(t *testing.T) []models.Cue {
	t.Helper()
	cues, err := subtitles.Generate([]models.Word{
		{Text: "hello", Start: 0, End: 0.5},
		{Text: "world", Start: 0.6, End: 1.1},
	}, models.StyleYellowHighlight, models.DisplayWord, models.PositionBottom)
	if err != nil {
		t.Fatal(err)
	}
	return cues
}

func argValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestRenderBurnsSubtitles(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out", "job_subtitled.mp4")
	prober := fakeProber{result: ffprobe.Result{Streams: []ffprobe.Stream{{CodecType: "video", Width: 720, Height: 1280}}}}

	var script string
	runner := &fakeRunner{run: func(_ context.Context, name string, args ...string) (command.Result, error) {
		if name != "ffmpeg-test" {
			t.Fatalf("binary = %s", name)
		}
		if argValue(args, "-c:a") != "copy" || argValue(args, "-c:v") != "libx264" || argValue(args, "-crf") != "23" {
			t.Fatalf("unexpected encode args %v", args)
		}
		vf := argValue(args, "-vf")
		if !strings.HasPrefix(vf, "ass=") {
			t.Fatalf("vf = %s", vf)
		}
		script = filepath.Join(dir, "out", "job_subtitled.ass")
		raw, err := os.ReadFile(script)
		if err != nil {
			t.Fatalf("script missing during encode: %v", err)
		}
		if !bytes.Contains(raw, []byte("PlayResY: 1280")) {
			t.Fatalf("script not sized to video:\n%s", raw)
		}
		return command.Result{}, os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
	}}

	r := New(Options{FFmpeg: "ffmpeg-test"}, prober).WithRunner(runner)
	if err := r.Render(context.Background(), "in.mp4", sampleCues(t), output); err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, err := os.Stat(script); !os.IsNotExist(err) {
		t.Fatalf("expected script cleanup, stat err = %v", err)
	}
}

func TestRenderEncoderFailure(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, string, ...string) (command.Result, error) {
		return command.Result{Stderr: "frame=0\nUnknown encoder 'libx264'\n", ExitCode: 1}, errors.New("exit status 1")
	}}
	r := New(Options{}, fakeProber{err: errors.New("no probe")}).WithRunner(runner)
	err := r.Render(context.Background(), "in.mp4", sampleCues(t), filepath.Join(t.TempDir(), "o.mp4"))
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	var stageErr *models.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != Stage || !strings.Contains(stageErr.Message, "Unknown encoder") {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestRenderMissingOutput(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, string, ...string) (command.Result, error) {
		return command.Result{}, nil
	}}
	err := New(Options{}, nil).WithRunner(runner).Render(context.Background(), "in.mp4", sampleCues(t), filepath.Join(t.TempDir(), "o.mp4"))
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
}

func TestRenderRejectsEmptyCues(t *testing.T) {
	err := New(Options{}, nil).Render(context.Background(), "in.mp4", nil, filepath.Join(t.TempDir(), "o.mp4"))
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
}

func TestEscapeFilterPath(t *testing.T) {
	if got := escapeFilterPath("/tmp/a:b/it's.ass"); got != `/tmp/a\:b/it\'s.ass` {
		t.Fatalf("escape = %s", got)
	}
}

func TestThumbnail(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, _ string, args ...string) (command.Result, error) {
		frame := imaging.New(640, 360, color.NRGBA{R: 200, A: 255})
		return command.Result{}, imaging.Save(frame, args[len(args)-1])
	}}
	data, err := New(Options{}, nil).WithRunner(runner).Thumbnail(context.Background(), "out.mp4", 160)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil || format != "jpeg" {
		t.Fatalf("decode thumbnail: %v (%s)", err, format)
	}
	if img.Bounds().Dx() != 160 || img.Bounds().Dy() != 90 {
		t.Fatalf("thumbnail size = %v", img.Bounds())
	}
}
