// Package pipeline is the boundary the transport layer drives: submit an
// upload, poll its status, retrieve the result, list the styles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"video-subtitler/internal/models"
	"video-subtitler/internal/subtitles"
	"video-subtitler/internal/telemetry"
	"video-subtitler/internal/validate"
)

// ErrNotReady is returned by Retrieve for jobs that have not completed.
var ErrNotReady = errors.New("video not ready")

// JobStore is the part of the job table the boundary uses.
type JobStore interface {
	Create(job models.Job) (models.Job, error)
	Get(id string) (models.Job, error)
	Fail(id string, cause error) (models.Job, error)
}

// Validator checks uploads before a job exists.
type Validator interface {
	MaxBytes() int64
	CheckDeclared(filename string, size int64) error
	Validate(ctx context.Context, u validate.Upload) (validate.Media, error)
}

// Scheduler admits jobs into worker slots.
type Scheduler interface {
	Admit(jobID string) error
	Position(jobID string) int
}

// Artifacts serves finished outputs.
type Artifacts interface {
	Open(ctx context.Context, jobID string) (io.ReadCloser, int64, error)
	MarkDownloaded(jobID string)
}

// Service implements Submit, Query, Retrieve and Catalog.
type Service struct {
	jobs      JobStore
	validator Validator
	scheduler Scheduler
	artifacts Artifacts
	uploadDir string
}

// NewService wires the boundary. uploadDir is created if missing.
func NewService(jobs JobStore, v Validator, s Scheduler, a Artifacts, uploadDir string) (*Service, error) {
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Service{jobs: jobs, validator: v, scheduler: s, artifacts: a, uploadDir: uploadDir}, nil
}

// Submission is one upload request.
type Submission struct {
	Filename string
	// Size is the client-declared size, or -1 when unknown.
	Size        int64
	Body        io.Reader
	Style       string
	DisplayMode string
	Position    string
}

// Submit validates an upload and, only if it passes, creates and admits a
// job. Validation failures return a *validate.ValidationError and leave
// nothing behind.
func (s *Service) Submit(ctx context.Context, sub Submission) (models.Job, error) {
	style, err := models.ParseStyle(sub.Style)
	if err != nil {
		return s.reject(err)
	}
	mode, err := models.ParseDisplayMode(sub.DisplayMode)
	if err != nil {
		return s.reject(err)
	}
	position, err := models.ParsePosition(sub.Position)
	if err != nil {
		return s.reject(err)
	}
	if err := s.validator.CheckDeclared(sub.Filename, sub.Size); err != nil {
		return s.reject(err)
	}

	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id+strings.ToLower(filepath.Ext(sub.Filename)))
	written, err := s.save(path, sub.Body)
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, validate.ErrValidation) {
			return s.reject(err)
		}
		return models.Job{}, err
	}

	media, err := s.validator.Validate(ctx, validate.Upload{Path: path, Filename: sub.Filename, Size: written})
	if err != nil {
		_ = os.Remove(path)
		return s.reject(err)
	}

	job, err := s.jobs.Create(models.Job{
		ID:          id,
		Style:       style,
		DisplayMode: mode,
		Position:    position,
		InputPath:   path,
		InputName:   sub.Filename,
	})
	if err != nil {
		_ = os.Remove(path)
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.scheduler.Admit(job.ID); err != nil {
		_, _ = s.jobs.Fail(job.ID, fmt.Errorf("admission failed: %w", err))
		_ = os.Remove(path)
		return models.Job{}, fmt.Errorf("admit job: %w", err)
	}

	telemetry.JobsSubmitted.Inc()
	log.Info().
		Str("job_id", job.ID).
		Str("style", string(style)).
		Str("display_mode", string(mode)).
		Str("position", string(position)).
		Dur("duration", media.Duration).
		Msg("job submitted")

	if snap, err := s.jobs.Get(job.ID); err == nil {
		job = snap
	}
	return job, nil
}

func (s *Service) reject(err error) (models.Job, error) {
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		verr = &validate.ValidationError{Reason: err.Error()}
	}
	telemetry.UploadsRejected.WithLabelValues(rejectReason(verr.Reason)).Inc()
	return models.Job{}, verr
}

func rejectReason(reason string) string {
	switch {
	case strings.HasPrefix(reason, "File too large"):
		return "size"
	case strings.HasPrefix(reason, "Video too long"):
		return "duration"
	case strings.HasPrefix(reason, "Invalid file type"), strings.HasPrefix(reason, "Invalid video file"):
		return "format"
	case strings.HasPrefix(reason, "invalid "):
		return "selection"
	default:
		return "other"
	}
}

// save streams body to path, stopping one byte past the size limit.
func (s *Service) save(path string, body io.Reader) (int64, error) {
	if body == nil {
		return 0, validate.Reject("Uploaded file is empty.")
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("store upload: %w", err)
	}
	limit := s.validator.MaxBytes()
	n, err := io.Copy(f, io.LimitReader(body, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return n, validate.Reject("File too large. Maximum size is %d MB.", limit/(1024*1024))
		}
		return n, fmt.Errorf("store upload: %w", err)
	}
	if n > limit {
		return n, validate.Reject("File too large. Maximum size is %d MB.", limit/(1024*1024))
	}
	return n, nil
}

// Status is the read-only projection served to pollers.
type Status struct {
	JobID    string       `json:"job_id"`
	State    models.State `json:"status"`
	Progress int          `json:"progress"`
	Error    string       `json:"error,omitempty"`
	// QueuePosition is the 1-based place in line while queued.
	QueuePosition int `json:"queue_position,omitempty"`
}

// Query returns the latest committed status of a job.
func (s *Service) Query(id string) (Status, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return Status{}, err
	}
	st := Status{JobID: job.ID, State: job.State, Progress: job.Progress, Error: job.Error}
	if job.State == models.StateQueued {
		st.QueuePosition = s.scheduler.Position(id)
	}
	return st, nil
}

// Download is an open artifact stream. Call Done once the stream has been
// copied to the client in full.
type Download struct {
	io.ReadCloser
	Size     int64
	Filename string
	done     func()
}

// Done records a complete download, starting the artifact's grace period.
func (d *Download) Done() {
	if d.done != nil {
		d.done()
		d.done = nil
	}
}

// Retrieve opens the output of a completed job.
func (s *Service) Retrieve(ctx context.Context, id string) (*Download, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if job.State != models.StateCompleted {
		return nil, fmt.Errorf("%w. Current status: %s", ErrNotReady, job.State)
	}
	rc, size, err := s.artifacts.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Download{
		ReadCloser: rc,
		Size:       size,
		Filename:   "subtitled_" + id + ".mp4",
		done: func() {
			s.artifacts.MarkDownloaded(id)
			telemetry.Downloads.Inc()
		},
	}, nil
}

// Catalog lists the supported styles, display modes and positions.
func (s *Service) Catalog() subtitles.Catalog {
	return subtitles.DefaultCatalog()
}
