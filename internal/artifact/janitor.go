package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"video-subtitler/internal/models"
	"video-subtitler/internal/telemetry"
)

// JobStore is the part of the job table the janitor retires records from.
type JobStore interface {
	List() []models.Job
	Delete(id string)
}

// Janitor retires finished jobs: a downloaded artifact is removed once the
// download grace has passed, anything terminal once the retention window has.
type Janitor struct {
	artifacts *Store
	jobs      JobStore
	retention time.Duration
	grace     time.Duration
	// dirs are scanned for stray files left by a previous process.
	dirs []string
	now  func() time.Time
}

// NewJanitor constructs a janitor.
func NewJanitor(artifacts *Store, jobs JobStore, retention, grace time.Duration, dirs ...string) *Janitor {
	return &Janitor{
		artifacts: artifacts,
		jobs:      jobs,
		retention: retention,
		grace:     grace,
		dirs:      dirs,
		now:       time.Now,
	}
}

// Start runs Sweep every interval until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Sweep(ctx)
			}
		}
	}()
}

// Sweep retires expired jobs and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	now := j.now()
	live := make(map[string]struct{})
	retired := 0
	for _, job := range j.jobs.List() {
		if !j.expired(job, now) {
			for _, p := range []string{job.InputPath, job.OutputRef} {
				if p != "" {
					live[filepath.Clean(p)] = struct{}{}
				}
			}
			continue
		}
		if err := j.artifacts.Remove(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("remove artifact")
			continue
		}
		removeFile(job.InputPath)
		j.jobs.Delete(job.ID)
		retired++
		telemetry.JobsRetired.Inc()
		log.Info().Str("job_id", job.ID).Str("state", job.State.String()).Msg("job retired")
	}
	for _, dir := range j.dirs {
		j.sweepDir(dir, now, live)
	}
	return retired
}

func (j *Janitor) expired(job models.Job, now time.Time) bool {
	if !job.State.Terminal() {
		return false
	}
	if at, ok := j.artifacts.DownloadedAt(job.ID); ok && now.Sub(at) >= j.grace {
		return true
	}
	return !job.FinishedAt.IsZero() && now.Sub(job.FinishedAt) >= j.retention
}

func (j *Janitor) sweepDir(dir string, now time.Time, live map[string]struct{}) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("dir", dir).Msg("scan for stale files")
		}
		return
	}
	for _, e := range entries {
		// Dotfiles belong to the process itself, e.g. the instance lock.
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Clean(filepath.Join(dir, e.Name()))
		if _, ok := live[path]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < j.retention {
			continue
		}
		removeFile(path)
		log.Info().Str("path", path).Msg("removed stale file")
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("remove file")
	}
}
