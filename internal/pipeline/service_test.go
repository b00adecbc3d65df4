package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"video-subtitler/internal/artifact"
	"video-subtitler/internal/media/ffprobe"
	"video-subtitler/internal/models"
	"video-subtitler/internal/queue"
	"video-subtitler/internal/store"
	"video-subtitler/internal/transcribe"
	"video-subtitler/internal/validate"
	"video-subtitler/internal/worker"
)

// contentProber reads "<format>:<seconds>" from the uploaded file.
type contentProber struct{}

func (contentProber) Probe(_ context.Context, path string) (ffprobe.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ffprobe.Result{}, err
	}
	format, secs, ok := strings.Cut(strings.TrimSpace(string(raw)), ":")
	if !ok {
		return ffprobe.Result{}, errors.New("Invalid data found when processing input")
	}
	return ffprobe.Result{
		Streams: []ffprobe.Stream{{CodecType: "video", Width: 1080, Height: 1920}, {CodecType: "audio"}},
		Format:  ffprobe.Format{FormatName: format, Duration: secs},
	}, nil
}

// gatedTranscriber blocks every call until released.
type gatedTranscriber struct {
	started chan string
	release chan struct{}
}

func newGatedTranscriber(open bool) *gatedTranscriber {
	g := &gatedTranscriber{started: make(chan string, 16), release: make(chan struct{}, 16)}
	if open {
		close(g.release)
	}
	return g
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, path string) ([]models.Word, error) {
	g.started <- path
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []models.Word{
		{Text: "one", Start: 0, End: 0.4},
		{Text: "two", Start: 0.5, End: 0.9},
		{Text: "three.", Start: 1.0, End: 1.5},
	}, nil
}

// copyRenderer "encodes" by copying the input behind a marker line.
type copyRenderer struct{}

func (copyRenderer) Render(_ context.Context, input string, cues []models.Cue, output string) error {
	raw, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append([]byte(fmt.Sprintf("cues=%d\n", len(cues))), raw...), 0o644)
}

type testEnv struct {
	svc       *Service
	jobs      *store.JobStore
	sched     *queue.Scheduler
	artifacts *artifact.Store
	uploads   string
}

func newTestEnv(t *testing.T, workers int, maxBytes int64, tr transcribe.Transcriber) *testEnv {
	t.Helper()
	root := t.TempDir()
	jobs := store.NewJobStore()
	backend, err := artifact.NewLocalBackend(filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatal(err)
	}
	arts := artifact.NewStore(backend)
	proc := worker.NewProcessor(jobs, tr, copyRenderer{}, arts, worker.Options{WorkDir: root, StageTimeout: 5 * time.Second})
	sched := queue.New(context.Background(), jobs, workers, proc.Run)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	v := validate.New(contentProber{}, maxBytes, 5*time.Minute, []string{".mp4"})
	uploads := filepath.Join(root, "uploads")
	svc, err := NewService(jobs, v, sched, arts, uploads)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{svc: svc, jobs: jobs, sched: sched, artifacts: arts, uploads: uploads}
}

func submission(name, body string) Submission {
	return Submission{
		Filename:    name,
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
		Style:       "yellow_highlight",
		DisplayMode: "word",
		Position:    "bottom",
	}
}

// waitFor polls Query until cond holds, checking that state and progress
// never regress between polls.
func waitFor(t *testing.T, svc *Service, id string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last Status
	for {
		st, err := svc.Query(id)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if st.State < last.State {
			t.Fatalf("state regressed %s -> %s", last.State, st.State)
		}
		if st.Progress < last.Progress {
			t.Fatalf("progress regressed %d -> %d", last.Progress, st.Progress)
		}
		last = st
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out; last status %+v", st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func terminal(st Status) bool { return st.State.Terminal() }

func uploadsLeft(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestSubmitCompletesAndDownloads(t *testing.T) {
	env := newTestEnv(t, 2, 1<<20, newGatedTranscriber(true))

	job, err := env.svc.Submit(context.Background(), submission("clip.mp4", "mp4:30.0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := waitFor(t, env.svc, job.ID, terminal)
	if st.State != models.StateCompleted || st.Progress != 100 || st.Error != "" {
		t.Fatalf("unexpected final status %+v", st)
	}

	dl, err := env.svc.Retrieve(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	body, _ := io.ReadAll(dl)
	dl.Close()
	if !strings.HasSuffix(string(body), "mp4:30.0") || !strings.HasPrefix(string(body), "cues=3") {
		t.Fatalf("unexpected artifact %q", body)
	}
	if dl.Filename != "subtitled_"+job.ID+".mp4" || dl.Size != int64(len(body)) {
		t.Fatalf("unexpected download metadata %+v", dl)
	}
	if _, ok := env.artifacts.DownloadedAt(job.ID); ok {
		t.Fatal("download must not count before Done")
	}
	dl.Done()
	if _, ok := env.artifacts.DownloadedAt(job.ID); !ok {
		t.Fatal("expected download recorded")
	}
}

func TestSubmitRejectsOversizeUpload(t *testing.T) {
	env := newTestEnv(t, 1, 100*1024*1024, newGatedTranscriber(true))

	sub := submission("big.mp4", "mp4:10")
	sub.Size = 150 * 1024 * 1024
	_, err := env.svc.Submit(context.Background(), sub)
	if !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if env.jobs.Len() != 0 {
		t.Fatal("no job may exist after a rejected upload")
	}
}

func TestSubmitRejectsStreamPastLimit(t *testing.T) {
	env := newTestEnv(t, 1, 16, newGatedTranscriber(true))

	sub := submission("clip.mp4", "mp4:10"+strings.Repeat(" ", 64))
	sub.Size = -1
	_, err := env.svc.Submit(context.Background(), sub)
	var verr *validate.ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Reason, "too large") {
		t.Fatalf("expected size rejection, got %v", err)
	}
	if n := uploadsLeft(t, env.uploads); n != 0 {
		t.Fatalf("rejected upload left %d files", n)
	}
}

func TestSubmitRejectsUnsupportedContainer(t *testing.T) {
	env := newTestEnv(t, 1, 1<<20, newGatedTranscriber(true))

	if _, err := env.svc.Submit(context.Background(), submission("clip.mkv", "matroska:10")); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("expected extension rejection, got %v", err)
	}
	if _, err := env.svc.Submit(context.Background(), submission("clip.mp4", "matroska,webm:10")); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("expected container rejection, got %v", err)
	}
	if _, err := env.svc.Submit(context.Background(), submission("clip.mp4", "mp4:301")); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("expected duration rejection, got %v", err)
	}
	if env.jobs.Len() != 0 || uploadsLeft(t, env.uploads) != 0 {
		t.Fatal("rejected uploads must leave no job and no file")
	}
}

func TestSubmitRejectsUnknownSelection(t *testing.T) {
	env := newTestEnv(t, 1, 1<<20, newGatedTranscriber(true))
	sub := submission("clip.mp4", "mp4:10")
	sub.Style = "comic_sans"
	if _, err := env.svc.Submit(context.Background(), sub); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTranscriptionFailureFreesSlot(t *testing.T) {
	env := newTestEnv(t, 1, 1<<20, &silentTranscriber{})
	failed, err := env.svc.Submit(context.Background(), submission("a.mp4", "mp4:12"))
	if err != nil {
		t.Fatal(err)
	}
	next, err := env.svc.Submit(context.Background(), submission("b.mp4", "mp4:12"))
	if err != nil {
		t.Fatal(err)
	}
	st := waitFor(t, env.svc, failed.ID, terminal)
	if st.State != models.StateFailed || !strings.Contains(st.Error, "no speech detected") {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := env.svc.Retrieve(context.Background(), failed.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for failed job, got %v", err)
	}
	if st := waitFor(t, env.svc, next.ID, terminal); st.State != models.StateCompleted {
		t.Fatalf("queued job did not get the freed slot: %+v", st)
	}
}

// silentTranscriber fails the first call and succeeds afterwards.
type silentTranscriber struct{ calls int }

func (s *silentTranscriber) Transcribe(context.Context, string) ([]models.Word, error) {
	s.calls++
	if s.calls == 1 {
		return nil, &models.StageError{Stage: transcribe.Stage, Message: "no speech detected", Err: transcribe.ErrNoSpeech}
	}
	return []models.Word{{Text: "hi", Start: 0, End: 0.5}}, nil
}

func TestSecondJobQueuesBehindFirst(t *testing.T) {
	tr := newGatedTranscriber(false)
	env := newTestEnv(t, 1, 1<<20, tr)

	first, err := env.svc.Submit(context.Background(), submission("a.mp4", "mp4:20"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.svc.Submit(context.Background(), submission("b.mp4", "mp4:20"))
	if err != nil {
		t.Fatal(err)
	}
	<-tr.started

	st, err := env.svc.Query(second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != models.StateQueued || st.QueuePosition != 1 {
		t.Fatalf("second job should be queued first in line, got %+v", st)
	}
	if _, err := env.svc.Retrieve(context.Background(), second.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	tr.release <- struct{}{}
	if st := waitFor(t, env.svc, first.ID, terminal); st.State != models.StateCompleted {
		t.Fatalf("first job: %+v", st)
	}
	<-tr.started
	st = waitFor(t, env.svc, second.ID, func(s Status) bool { return s.State == models.StateTranscribing })
	if st.QueuePosition != 0 {
		t.Fatalf("running job reports queue position %d", st.QueuePosition)
	}
	tr.release <- struct{}{}
	waitFor(t, env.svc, second.ID, terminal)
}

func TestQueryUnknownJob(t *testing.T) {
	env := newTestEnv(t, 1, 1<<20, newGatedTranscriber(true))
	if _, err := env.svc.Query("nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.Retrieve(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t, 1, 1<<20, newGatedTranscriber(true))
	c := env.svc.Catalog()
	if len(c.Styles) != 3 || c.Styles[1].Name != "Multi-color Pop" {
		t.Fatalf("catalog = %+v", c)
	}
}

func TestRejectReason(t *testing.T) {
	cases := map[string]string{
		"File too large. Maximum size is 100 MB.":    "size",
		"Video too long. Maximum duration is 5 min.": "duration",
		"Invalid file type. Only .mp4 allowed.":      "format",
		`invalid style "x"`:                          "selection",
		"Uploaded file is empty.":                    "other",
	}
	for in, want := range cases {
		if got := rejectReason(in); got != want {
			t.Fatalf("rejectReason(%q) = %s, want %s", in, got, want)
		}
	}
}
