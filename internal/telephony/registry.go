package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type registryEntry struct {
	report    StatusReport
	updatedAt time.Time
}

// Registry bridges carrier-pushed webhook events to the polling side. It is
// keyed by attempt id and evicts entries older than ttl.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		entries: make(map[string]*registryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Track registers a freshly started attempt. An attempt whose webhooks
// arrived first keeps the pushed state.
func (r *Registry) Track(attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[attemptID]; ok {
		return
	}
	r.entries[attemptID] = &registryEntry{
		report:    StatusReport{Status: StatusInitiated},
		updatedAt: r.now(),
	}
}

// Record stores a pushed status. A human/voicemail verdict is kept when a
// hangup event follows it before the poller has read it.
func (r *Registry) Record(attemptID string, report StatusReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[attemptID]
	if !ok {
		r.entries[attemptID] = &registryEntry{report: report, updatedAt: r.now()}
		return
	}
	if e.report.Status.Classified() && !report.Status.Classified() {
		if report.HangupCause != "" {
			e.report.HangupCause = report.HangupCause
		}
		e.updatedAt = r.now()
		return
	}
	e.report = report
	e.updatedAt = r.now()
}

// Get returns the latest report for an attempt.
func (r *Registry) Get(attemptID string) (StatusReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[attemptID]
	if !ok {
		return StatusReport{}, false
	}
	return e.report, true
}

// Remove drops an attempt and reports whether it was present.
func (r *Registry) Remove(attemptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[attemptID]
	delete(r.entries, attemptID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep evicts entries not updated within the ttl and returns how many were
// removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.updatedAt.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 && logger != nil {
				logger.Info("evicted stale carrier attempts", "count", n)
			}
		}
	}
}
