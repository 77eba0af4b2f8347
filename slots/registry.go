// Package slots holds the shared occupancy state of every slot in the layout.
package slots

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.spotsense.io/slotwatch/layout"
)

// ErrUnknownSlot is returned for ids that are not part of the current layout.
var ErrUnknownSlot = errors.New("unknown slot")

// State is the last known occupancy of one slot.
type State struct {
	ID           string    `json:"id"`
	Occupied     bool      `json:"occupied"`
	Known        bool      `json:"known"`
	Confidence   float64   `json:"confidence"`
	LastChanged  time.Time `json:"last_changed"`
	LastNotified time.Time `json:"last_notified"`
}

// Status is the word the status sinks use for the occupancy.
func (s State) Status() string {
	return StatusString(s.Occupied)
}

// StatusString maps an occupancy to "occupied" or "available".
func StatusString(occupied bool) string {
	if occupied {
		return "occupied"
	}
	return "available"
}

// Counts summarizes a snapshot.
type Counts struct {
	Total     int `json:"total"`
	Occupied  int `json:"occupied"`
	Available int `json:"available"`
	Unknown   int `json:"unknown"`
}

// Registry is the single source of truth for occupancy. Update is meant to be called by one
// writer; every read returns a copy.
type Registry struct {
	mu     sync.Mutex
	order  []string
	states map[string]*State
	now    func() time.Time
}

// NewRegistry returns a registry with one free, not yet classified, slot per layout entry.
func NewRegistry(l *layout.Layout) *Registry {
	r := &Registry{now: time.Now}
	r.order, r.states = tableFor(l, nil)
	return r
}

func tableFor(l *layout.Layout, previous map[string]*State) ([]string, map[string]*State) {
	order := l.IDs()
	states := make(map[string]*State, len(order))
	for _, id := range order {
		if prev, ok := previous[id]; ok {
			cp := *prev
			states[id] = &cp
			continue
		}
		states[id] = &State{ID: id}
	}
	return order, states
}

// Update records a classification. It reports whether the stored occupancy flipped; the first
// classification of a slot only counts as a change when it is occupied.
func (r *Registry) Update(id string, occupied bool, confidence float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return false, errors.Wrapf(ErrUnknownSlot, "%q", id)
	}
	st.Known = true
	st.Confidence = confidence
	if st.Occupied == occupied {
		return false, nil
	}
	st.Occupied = occupied
	st.LastChanged = r.now()
	return true, nil
}

// MarkNotified records a successful delivery to a status sink.
func (r *Registry) MarkNotified(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return errors.Wrapf(ErrUnknownSlot, "%q", id)
	}
	st.LastNotified = at
	return nil
}

// Get returns a copy of one slot's state.
func (r *Registry) Get(id string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return State{}, errors.Wrapf(ErrUnknownSlot, "%q", id)
	}
	return *st, nil
}

// Snapshot returns a copy of every state in layout order.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.states[id])
	}
	return out
}

// Counts tallies the current states.
func (r *Registry) Counts() Counts {
	return CountStates(r.Snapshot())
}

// CountStates tallies a snapshot. Slots never classified count as unknown and available.
func CountStates(states []State) Counts {
	occupied := lo.CountBy(states, func(s State) bool { return s.Occupied })
	return Counts{
		Total:     len(states),
		Occupied:  occupied,
		Available: len(states) - occupied,
		Unknown:   lo.CountBy(states, func(s State) bool { return !s.Known }),
	}
}

// Reset swaps in a new layout in one step. Slots present in both layouts keep their state.
func (r *Registry) Reset(l *layout.Layout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order, r.states = tableFor(l, r.states)
}

// Clear swaps in a new layout with every slot free and not yet classified.
func (r *Registry) Clear(l *layout.Layout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order, r.states = tableFor(l, nil)
}

// Restore seeds states from a persisted snapshot. Ids that are not in the layout are ignored.
// It returns how many states were restored.
func (r *Registry) Restore(states []State) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, in := range states {
		st, ok := r.states[in.ID]
		if !ok {
			continue
		}
		*st = in
		restored++
	}
	return restored
}

// Len is the number of slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
