package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"video-subtitler/internal/models"
)

// ErrClosed is returned by Admit once Shutdown has begun.
var ErrClosed = errors.New("scheduler is shutting down")

// Runner executes one admitted job. It owns the job until it returns.
type Runner func(ctx context.Context, jobID string)

// JobStore is the subset of the job table the scheduler writes to.
type JobStore interface {
	Transition(id string, to models.State, progress int) (models.Job, error)
	Fail(id string, cause error) (models.Job, error)
}

// Scheduler is the bounded-concurrency admission control. It owns a fixed
// number of worker slots and a FIFO of jobs waiting for one.
//
// Slot accounting and the matching store writes happen under one mutex, so
// a freed slot is handed to exactly one waiting job and a job is never
// marked queued after it has started.
type Scheduler struct {
	mu       sync.Mutex
	size     int
	active   int
	waiting  []string
	closed   bool
	store    JobStore
	run      Runner
	ctx      context.Context
	wg       sync.WaitGroup
	onChange func(active, queued int)
}

// New constructs a scheduler with size worker slots (minimum 1). Jobs run
// with ctx as their parent context.
func New(ctx context.Context, st JobStore, size int, run Runner) *Scheduler {
	if size < 1 {
		size = 1
	}
	return &Scheduler{
		size:  size,
		store: st,
		run:   run,
		ctx:   ctx,
	}
}

// OnChange registers a callback invoked with slot usage after every change.
func (s *Scheduler) OnChange(fn func(active, queued int)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Size returns the number of worker slots.
func (s *Scheduler) Size() int {
	return s.size
}

// Admit starts a pending job immediately when a slot is free, otherwise
// queues it behind earlier submissions.
func (s *Scheduler) Admit(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.active < s.size {
		if _, err := s.store.Transition(jobID, models.StateTranscribing, models.ProgressTranscribing); err != nil {
			return err
		}
		s.active++
		s.dispatch(jobID)
	} else {
		if _, err := s.store.Transition(jobID, models.StateQueued, 0); err != nil {
			return err
		}
		s.waiting = append(s.waiting, jobID)
		log.Debug().Str("job_id", jobID).Int("position", len(s.waiting)).Msg("job queued")
	}
	s.notify()
	return nil
}

// dispatch must be called with s.mu held and a slot already reserved.
func (s *Scheduler) dispatch(jobID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("job_id", jobID).Msg("job runner panicked")
				_, _ = s.store.Fail(jobID, fmt.Errorf("internal error: %v", r))
			}
		}()
		s.run(s.ctx, jobID)
	}()
}

// release hands the caller's slot to the oldest waiting job, or frees it.
func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.waiting) > 0 && !s.closed {
		next := s.waiting[0]
		s.waiting = s.waiting[1:]
		if _, err := s.store.Transition(next, models.StateTranscribing, models.ProgressTranscribing); err != nil {
			log.Warn().Err(err).Str("job_id", next).Msg("skipping queued job")
			continue
		}
		s.dispatch(next)
		s.notify()
		return
	}
	s.active--
	s.notify()
}

func (s *Scheduler) notify() {
	if s.onChange != nil {
		s.onChange(s.active, len(s.waiting))
	}
}

// Position returns the 1-based queue position of a waiting job, or 0.
func (s *Scheduler) Position(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.waiting {
		if id == jobID {
			return i + 1
		}
	}
	return 0
}

// Stats returns the number of occupied slots and waiting jobs.
func (s *Scheduler) Stats() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, len(s.waiting)
}

// Shutdown stops admission, fails every waiting job, and waits for running
// jobs to finish or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	waiting := s.waiting
	s.waiting = nil
	s.notify()
	s.mu.Unlock()

	for _, id := range waiting {
		if _, err := s.store.Fail(id, errors.New("service shutting down")); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("fail queued job on shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
