package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"video-subtitler/internal/models"
	"video-subtitler/internal/store"
)

// gatedRunner blocks each job until its gate is closed, then fails it.
type gatedRunner struct {
	st      *store.JobStore
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started chan string
	running atomic.Int32
	peak    atomic.Int32
}

func newGatedRunner(st *store.JobStore) *gatedRunner {
	return &gatedRunner{st: st, gates: make(map[string]chan struct{}), started: make(chan string, 64)}
}

func (g *gatedRunner) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan struct{})
		g.gates[id] = ch
	}
	return ch
}

func (g *gatedRunner) run(_ context.Context, id string) {
	n := g.running.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.started <- id
	<-g.gate(id)
	g.running.Add(-1)
	_, _ = g.st.Update(id, func(j *models.Job) error {
		j.State = models.StateFailed
		j.Error = "stopped by test"
		return nil
	})
}

func createJob(t *testing.T, st *store.JobStore) string {
	t.Helper()
	job, err := st.Create(models.Job{Style: models.StyleCleanOutline, DisplayMode: models.DisplaySentence, Position: models.PositionTop})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job.ID
}

func waitStarted(t *testing.T, g *gatedRunner) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job start")
		return ""
	}
}

func TestAdmitQueuesBeyondCapacity(t *testing.T) {
	st := store.NewJobStore()
	g := newGatedRunner(st)
	s := New(context.Background(), st, 1, g.run)

	first := createJob(t, st)
	second := createJob(t, st)
	if err := s.Admit(first); err != nil {
		t.Fatalf("admit first: %v", err)
	}
	if err := s.Admit(second); err != nil {
		t.Fatalf("admit second: %v", err)
	}
	if got := waitStarted(t, g); got != first {
		t.Fatalf("started %s, want %s", got, first)
	}

	snap, _ := st.Get(second)
	if snap.State != models.StateQueued {
		t.Fatalf("second job state = %s, want queued", snap.State)
	}
	if pos := s.Position(second); pos != 1 {
		t.Fatalf("queue position = %d, want 1", pos)
	}

	close(g.gate(first))
	if got := waitStarted(t, g); got != second {
		t.Fatalf("started %s, want %s", got, second)
	}
	snap, _ = st.Get(second)
	if snap.State != models.StateTranscribing || snap.Progress != models.ProgressTranscribing {
		t.Fatalf("second job = %s/%d after release", snap.State, snap.Progress)
	}
	close(g.gate(second))
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFIFOAndCapacityBound(t *testing.T) {
	st := store.NewJobStore()
	g := newGatedRunner(st)
	s := New(context.Background(), st, 2, g.run)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = createJob(t, st)
		if err := s.Admit(ids[i]); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}
	active, queued := s.Stats()
	if active != 2 || queued != 4 {
		t.Fatalf("stats = %d active %d queued", active, queued)
	}

	started := map[string]bool{}
	started[waitStarted(t, g)] = true
	started[waitStarted(t, g)] = true
	if !started[ids[0]] || !started[ids[1]] {
		t.Fatalf("first two admissions should start first, got %v", started)
	}

	for i := 0; i < len(ids); i++ {
		close(g.gate(ids[i]))
		if i+2 < len(ids) {
			if got := waitStarted(t, g); got != ids[i+2] {
				t.Fatalf("started %s, want FIFO %s", got, ids[i+2])
			}
		}
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if peak := g.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency %d exceeds pool size", peak)
	}
	if active, _ := s.Stats(); active != 0 {
		t.Fatalf("active slots after drain = %d", active)
	}
}

func TestPanickingRunnerFailsJobAndFreesSlot(t *testing.T) {
	st := store.NewJobStore()
	done := make(chan struct{})
	s := New(context.Background(), st, 1, func(_ context.Context, id string) {
		defer close(done)
		panic("boom")
	})
	id := createJob(t, st)
	if err := s.Admit(id); err != nil {
		t.Fatalf("admit: %v", err)
	}
	<-done
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	snap, _ := st.Get(id)
	if snap.State != models.StateFailed || snap.Error == "" {
		t.Fatalf("expected failed job, got %s %q", snap.State, snap.Error)
	}
	if active, _ := s.Stats(); active != 0 {
		t.Fatalf("slot not released, active = %d", active)
	}
}

func TestShutdownFailsWaitingJobs(t *testing.T) {
	st := store.NewJobStore()
	g := newGatedRunner(st)
	s := New(context.Background(), st, 1, g.run)
	running := createJob(t, st)
	waiting := createJob(t, st)
	_ = s.Admit(running)
	_ = s.Admit(waiting)
	waitStarted(t, g)

	shutdown := make(chan error, 1)
	go func() { shutdown <- s.Shutdown(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := st.Get(waiting)
		if snap.State == models.StateFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiting job state = %s, want failed", snap.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(g.gate(running))
	if err := <-shutdown; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := s.Admit(createJob(t, st)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestShutdownHonoursContext(t *testing.T) {
	st := store.NewJobStore()
	g := newGatedRunner(st)
	s := New(context.Background(), st, 1, g.run)
	id := createJob(t, st)
	_ = s.Admit(id)
	waitStarted(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(g.gate(id))
}
