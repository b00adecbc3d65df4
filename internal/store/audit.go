package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"video-subtitler/internal/models"
)

// Auditor writes job transitions to Postgres for operators. It is write-only
// from the pipeline's point of view: jobs are never rebuilt from it.
type Auditor struct {
	pool   *pgxpool.Pool
	events chan auditEvent
	write  func(ctx context.Context, evt auditEvent) error
}

type auditEvent struct {
	jobID    string
	event    string
	progress int
	detail   string
}

// NewAuditor creates a pooled connection to Postgres.
func NewAuditor(ctx context.Context, dsn string) (*Auditor, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &Auditor{pool: pool, events: make(chan auditEvent, 256)}
	a.write = func(ctx context.Context, evt auditEvent) error {
		return a.Append(ctx, evt.jobID, evt.event, evt.progress, evt.detail)
	}
	return a, nil
}

func (a *Auditor) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Observer returns a JobStore observer that queues one audit row per
// state change. Rows are dropped, not blocked on, when the buffer is full.
func (a *Auditor) Observer() Observer {
	return func(prev, next models.Job) {
		if prev.ID != "" && prev.State == next.State {
			return
		}
		evt := auditEvent{jobID: next.ID, event: next.State.String(), progress: next.Progress, detail: next.Error}
		if prev.ID == "" {
			evt.detail = fmt.Sprintf("style=%s display_mode=%s position=%s", next.Style, next.DisplayMode, next.Position)
		}
		select {
		case a.events <- evt:
		default:
			log.Warn().Str("job_id", next.ID).Str("event", evt.event).Msg("audit buffer full, dropping event")
		}
	}
}

// Run writes queued audit rows until ctx is cancelled. A row already being
// written when ctx ends is finished.
func (a *Auditor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-a.events:
			a.flush(context.WithoutCancel(ctx), evt)
		}
	}
}

// Drain writes the rows still buffered after Run has returned. It stops
// early when ctx ends and reports how many rows were left unwritten.
func (a *Auditor) Drain(ctx context.Context) int {
	for {
		select {
		case evt := <-a.events:
			if ctx.Err() != nil {
				return len(a.events) + 1
			}
			a.flush(ctx, evt)
		default:
			return 0
		}
	}
}

func (a *Auditor) flush(ctx context.Context, evt auditEvent) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.write(writeCtx, evt); err != nil {
		log.Error().Err(err).Str("job_id", evt.jobID).Msg("append audit row")
	}
}

// Append adds an audit row.
func (a *Auditor) Append(ctx context.Context, jobID, event string, progress int, detail string) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, progress, detail, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, event, progress, detail)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// History returns the recorded transitions of a job, oldest first.
func (a *Auditor) History(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var row models.AuditLog
		if err := rows.Scan(&row.JobID, &row.Event, &row.Detail, &row.Recorded); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
