package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"video-subtitler/internal/models"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when mutating a completed or failed job.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvariant is returned when an update would break a job invariant.
	ErrInvariant = errors.New("job invariant violated")
)

// Observer is notified after every committed update, in commit order per job.
type Observer func(prev, next models.Job)

// JobStore is the authoritative in-memory job table.
//
// Each job lives behind an atomic pointer to an immutable snapshot. Writers
// for the same job serialize on a per-job mutex and publish a fresh copy;
// readers load the pointer and never see a half-written record.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	observers []Observer
	now       func() time.Time
}

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[models.Job]
}

// NewJobStore builds an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Observe registers an observer. It must be called before the store is shared.
func (s *JobStore) Observe(fn Observer) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

// Create inserts a new pending job and returns its snapshot.
func (s *JobStore) Create(job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := s.now()
	job.State = models.StatePending
	job.Progress = 0
	job.Transcript = nil
	job.Cues = nil
	job.OutputRef = ""
	job.Error = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	job.FinishedAt = time.Time{}

	e := &entry{}
	snap := job.Clone()
	e.snap.Store(&snap)

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return models.Job{}, fmt.Errorf("create job %s: duplicate id", job.ID)
	}
	s.jobs[job.ID] = e
	s.mu.Unlock()

	for _, fn := range s.observers {
		fn(models.Job{}, snap)
	}
	return job, nil
}

func (s *JobStore) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns the latest committed snapshot of a job.
func (s *JobStore) Get(id string) (models.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	return e.snap.Load().Clone(), nil
}

// Update applies fn to a private copy of the job and publishes it if the
// result respects the lifecycle invariants.
func (s *JobStore) Update(id string, fn func(job *models.Job) error) (models.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return models.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.snap.Load()
	if prev.State.Terminal() {
		return prev.Clone(), fmt.Errorf("%w: %s is %s", ErrTerminal, id, prev.State)
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return prev.Clone(), err
	}
	if err := checkUpdate(*prev, next); err != nil {
		return prev.Clone(), fmt.Errorf("update job %s: %w", id, err)
	}
	next.UpdatedAt = s.now()
	if next.State.Terminal() {
		next.FinishedAt = next.UpdatedAt
	}
	e.snap.Store(&next)

	for _, fn := range s.observers {
		fn(*prev, next)
	}
	return next.Clone(), nil
}

// Transition moves a job to state with the given checkpoint progress.
func (s *JobStore) Transition(id string, to models.State, progress int) (models.Job, error) {
	return s.Update(id, func(j *models.Job) error {
		j.State = to
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	})
}

// Fail moves a job to failed with a human-readable message.
func (s *JobStore) Fail(id string, cause error) (models.Job, error) {
	msg := "processing failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return s.Update(id, func(j *models.Job) error {
		j.State = models.StateFailed
		j.Error = msg
		return nil
	})
}

// Delete releases a job record.
func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// List returns snapshots of every job ordered by creation time.
func (s *JobStore) List() []models.Job {
	s.mu.RLock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, *e.snap.Load())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports how many jobs are tracked.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func checkUpdate(prev, next models.Job) error {
	if next.ID != prev.ID || next.Style != prev.Style || next.DisplayMode != prev.DisplayMode ||
		next.Position != prev.Position || next.InputPath != prev.InputPath {
		return fmt.Errorf("%w: immutable field changed", ErrInvariant)
	}
	if next.State != prev.State && !models.CanTransition(prev.State, next.State) {
		return fmt.Errorf("%w: invalid transition %s -> %s", ErrInvariant, prev.State, next.State)
	}
	if next.Progress < prev.Progress || next.Progress < 0 || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvariant, prev.Progress, next.Progress)
	}
	if prev.Transcript != nil && !sameWords(prev.Transcript, next.Transcript) {
		return fmt.Errorf("%w: transcript already set", ErrInvariant)
	}
	if prev.Cues != nil && len(prev.Cues) != len(next.Cues) {
		return fmt.Errorf("%w: cues already set", ErrInvariant)
	}
	if (next.OutputRef != "") != (next.State == models.StateCompleted) {
		return fmt.Errorf("%w: output reference requires completed state", ErrInvariant)
	}
	if (next.Error != "") != (next.State == models.StateFailed) {
		return fmt.Errorf("%w: error message requires failed state", ErrInvariant)
	}
	if next.State == models.StateCompleted && next.Progress != 100 {
		return fmt.Errorf("%w: completed job must report 100%% progress", ErrInvariant)
	}
	return nil
}

func sameWords(a, b []models.Word) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
