// Package history archives execution plans once they reach a terminal
// state.  The executor writes a record per finished plan; the API and
// metrics read them back newest first.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for a plan id.
var ErrNotFound = errors.New("plan not found in history")

// Record is one archived plan.  Plan holds the full JSON snapshot.
type Record struct {
	PlanID      string          `json:"planId"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Result      string          `json:"result"`
	Jobs        int             `json:"jobs"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt"`
	Plan        json.RawMessage `json:"plan,omitempty"`
}

// Store persists archived plans.
type Store interface {
	Archive(ctx context.Context, rec Record) error
	// List returns up to limit records, most recently completed first.
	// A non-positive limit returns everything.
	List(ctx context.Context, limit int) ([]Record, error)
	Get(ctx context.Context, planID string) (Record, error)
	Close() error
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the most recent records in memory.
type MemoryStore struct {
	mu      sync.Mutex
	limit   int
	records []Record // oldest first
}

// NewMemoryStore creates a store retaining at most limit records; zero
// means unbounded.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit}
}

// Archive implements Store.  Re-archiving a plan replaces its record.
func (m *MemoryStore) Archive(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.PlanID == rec.PlanID {
			m.records = append(m.records[:i], m.records[i+1:]...)
			break
		}
	}
	m.records = append(m.records, rec)
	if m.limit > 0 && len(m.records) > m.limit {
		m.records = append([]Record(nil), m.records[len(m.records)-m.limit:]...)
	}
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, planID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.PlanID == planID {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
