package worker

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// StaticRegistry is an in-memory Registry seeded from configuration and
// updated by whatever reports heartbeats and load.
type StaticRegistry struct {
	mu         sync.RWMutex
	workers    map[string]Worker
	staleAfter time.Duration
	now        func() time.Time
}

var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry creates a registry containing workers.  Workers whose
// last heartbeat is older than staleAfter are reported unhealthy; zero
// disables the check.
func NewStaticRegistry(staleAfter time.Duration, workers ...Worker) *StaticRegistry {
	r := &StaticRegistry{
		workers:    make(map[string]Worker, len(workers)),
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, w := range workers {
		r.Upsert(w)
	}
	return r
}

// Upsert adds or replaces a worker.  A zero LastHeartbeat is stamped with
// the current time.
func (r *StaticRegistry) Upsert(w Worker) {
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = r.now()
	}
	r.mu.Lock()
	r.workers[w.ID] = w.Clone()
	r.mu.Unlock()
}

// Remove deletes a worker.  It reports whether the worker existed.
func (r *StaticRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	delete(r.workers, id)
	return ok
}

// SetLoad records the reported utilization, clamped to [0, 1].
func (r *StaticRegistry) SetLoad(id string, load float64) bool {
	return r.update(id, func(w *Worker) {
		w.Load = min(1, max(0, load))
	})
}

// SetHealthy flips the health flag.
func (r *StaticRegistry) SetHealthy(id string, healthy bool) bool {
	return r.update(id, func(w *Worker) {
		w.Healthy = healthy
	})
}

// Heartbeat refreshes LastHeartbeat.
func (r *StaticRegistry) Heartbeat(id string) bool {
	now := r.now()
	return r.update(id, func(w *Worker) {
		w.LastHeartbeat = now
	})
}

func (r *StaticRegistry) update(id string, fn func(*Worker)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	fn(&w)
	r.workers[id] = w
	return true
}

// Workers implements Registry.
func (r *StaticRegistry) Workers() []Worker {
	now := r.now()
	r.mu.RLock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, r.view(w, now))
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Worker) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Get implements Registry.
func (r *StaticRegistry) Get(id string) (Worker, bool) {
	now := r.now()
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return Worker{}, false
	}
	return r.view(w, now), true
}

func (r *StaticRegistry) view(w Worker, now time.Time) Worker {
	w = w.Clone()
	if r.staleAfter > 0 && now.Sub(w.LastHeartbeat) > r.staleAfter {
		w.Healthy = false
	}
	return w
}
