package crash

import (
	"log/slog"
	"sync"
)

// Predicate selects crashes from the repository.
type Predicate func(*Crash) bool

// Repository is the process-wide store of crash records for one
// orchestration run. Records are never deleted, only updated in place.
//
// The pipeline ticks are single-threaded, but the repair stage's LLM
// worker completes off the tick goroutine, so access is mutex-guarded.
type Repository struct {
	mu      sync.RWMutex
	crashes []*Crash
	logger  *slog.Logger
}

// NewRepository creates an empty crash repository.
func NewRepository(logger *slog.Logger) *Repository {
	return &Repository{logger: logger}
}

// Add inserts a crash. A duplicate ID is logged and ignored; the
// repository holds at most one record per identity.
func (r *Repository) Add(c *Crash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.crashes {
		if existing.ID == c.ID {
			r.logger.Warn("crash already exists, ignoring", slog.String("crash_id", c.ID))
			return
		}
	}
	r.crashes = append(r.crashes, c.Clone())
}

// Find returns clones of all crashes matching the predicate, in insertion
// order. A nil predicate matches everything.
func (r *Repository) Find(pred Predicate) []*Crash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Crash
	for _, c := range r.crashes {
		if pred == nil || pred(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// First returns a clone of the first crash matching the predicate, or nil.
func (r *Repository) First(pred Predicate) *Crash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.crashes {
		if pred == nil || pred(c) {
			return c.Clone()
		}
	}
	return nil
}

// Update replaces the record with a matching ID. A missing ID is logged
// and ignored; it should not occur under the single-writer discipline.
func (r *Repository) Update(c *Crash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.crashes {
		if existing.ID == c.ID {
			r.crashes[i] = c.Clone()
			return
		}
	}
	r.logger.Warn("crash not found for update", slog.String("crash_id", c.ID))
}

// Len returns the number of records.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.crashes)
}
