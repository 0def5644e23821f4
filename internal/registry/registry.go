// Package registry keeps the id -> session entry map shared by every request.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserplane/internal/browser"
	"github.com/shehryarbajwa/browserplane/pkg/models"
)

var (
	ErrNotFound = errors.New("session not registered")
	ErrExists   = errors.New("session already registered")
)

// StateError is returned when a transition's expected state does not match.
type StateError struct {
	ID      string
	Current models.State
	To      models.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: cannot move from %s to %s", e.ID, e.Current, e.To)
}

// Entry is the registry record for one session
type Entry struct {
	ID        string
	ProjectID string
	State     models.State
	Backend   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Timeout   time.Duration
	LastError string
	// EndedAt is set when the entry reached a terminal state.
	EndedAt time.Time

	Handle *browser.Handle
}

// Session returns the public view of the entry.
func (e Entry) Session() models.Session {
	return models.Session{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		State:     e.State,
		Backend:   e.Backend,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
		Timeout:   int(e.Timeout / time.Second),
		LastError: e.LastError,
	}
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ProjectID string
	State     models.State
}

func (f Filter) match(e *Entry) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.State != "" && e.State != f.State {
		return false
	}
	return true
}

// Registry is a mutex-guarded map of entries. Reads return copies, so a
// caller never observes a half-applied transition.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Insert adds a new entry. Ids are never reused.
func (r *Registry) Insert(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	r.entries[e.ID] = &e
	return nil
}

// Get returns a snapshot of the entry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Transition moves id to state to if its current state is one of from. It
// returns the entry as it is after the move.
func (r *Registry) Transition(id string, from []models.State, to models.State) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !slices.Contains(from, e.State) {
		return *e, &StateError{ID: id, Current: e.State, To: to}
	}

	e.State = to
	if to.Terminal() {
		e.EndedAt = time.Now()
	}
	return *e, nil
}

// SetError records the most recent failure on the entry.
func (r *Registry) SetError(id string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.LastError = msg
	}
}

// Remove deletes id and returns the last snapshot of it.
func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	return *e, true
}

// List returns matching entries, oldest first.
func (r *Registry) List(f Filter) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if f.match(e) {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) ListActive() []Entry {
	return r.List(Filter{State: models.StateActive})
}

// Len is the number of entries in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Count returns the number of entries per state.
func (r *Registry) Count() map[models.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.State]int)
	for _, e := range r.entries {
		counts[e.State]++
	}
	return counts
}
