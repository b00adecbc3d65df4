package artifact

import (
	"context"
	"io"
	"sync"
	"time"
)

type record struct {
	ref          string
	storedAt     time.Time
	downloadedAt time.Time
}

// Store maps job ids to stored artifacts and tracks their retention.
type Store struct {
	backend Backend
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

// NewStore wraps a backend.
func NewStore(b Backend) *Store {
	return &Store{backend: b, records: make(map[string]*record), now: time.Now}
}

// Put stores the rendered file for jobID and returns its reference.
func (s *Store) Put(ctx context.Context, jobID, srcPath string) (string, error) {
	ref, err := s.backend.Put(ctx, jobID+"_subtitled.mp4", srcPath)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.records[jobID] = &record{ref: ref, storedAt: s.now()}
	s.mu.Unlock()
	return ref, nil
}

// Open streams the artifact of jobID.
func (s *Store) Open(ctx context.Context, jobID string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	rec, ok := s.records[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	return s.backend.Open(ctx, rec.ref)
}

// MarkDownloaded records the first complete download, starting the grace
// period after which the artifact may be removed.
func (s *Store) MarkDownloaded(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[jobID]; ok && rec.downloadedAt.IsZero() {
		rec.downloadedAt = s.now()
	}
}

// DownloadedAt returns when jobID was first downloaded.
func (s *Store) DownloadedAt(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok || rec.downloadedAt.IsZero() {
		return time.Time{}, false
	}
	return rec.downloadedAt, true
}

// Remove deletes the artifact of jobID, if any.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	rec, ok := s.records[jobID]
	delete(s.records, jobID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.backend.Delete(ctx, rec.ref)
}

// Len returns the number of tracked artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
