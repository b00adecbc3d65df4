package api

import (
	"sync"

	"video-subtitler/internal/models"
)

// Hub fans job changes out to websocket watchers. Notify runs inside the
// store's commit path, so it only flags subscribers and never blocks.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan struct{}]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// Notify has the store.Observer signature.
func (h *Hub) Notify(prev, next models.Job) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// A job leaving the queue moves everyone behind it up one place.
	if prev.State == models.StateQueued && next.State != models.StateQueued {
		for _, set := range h.subs {
			for ch := range set {
				signal(ch)
			}
		}
		return
	}
	for ch := range h.subs[next.ID] {
		signal(ch)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Hub) subscribe(jobID string) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan struct{}]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(jobID string, ch chan struct{}) {
	h.mu.Lock()
	delete(h.subs[jobID], ch)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
	h.mu.Unlock()
}

// Watchers returns the number of open subscriptions for a job.
func (h *Hub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
