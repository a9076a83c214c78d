// Package tracker keeps a sliding window over consecutive versions of
// the entities of a sorted history stream.
package tracker

import (
	"errors"
	"fmt"
)

// ErrSlotOccupied is returned when Feed is called before Swap
var ErrSlotOccupied = errors.New("tracker slot already populated, swap before feeding")

// Entity is anything with an id shared by all of its versions
type Entity interface {
	EntityID() int64
}

// Slot names one position of the window
type Slot int

const (
	Previous Slot = iota
	Current
	Next
	numSlots
)

func (s Slot) String() string {
	switch s {
	case Previous:
		return "previous"
	case Current:
		return "current"
	case Next:
		return "next"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Tracker holds up to three shared handles to versions. Handles are never
// copied or mutated, a swap only moves them down one slot.
//
// The two-slot variant feeds into Current: after N feeds and N-1 swaps
// Previous holds version N-1 and Current holds version N.
// The lookahead variant feeds into Next, so Current can be decided with
// both its predecessor (Previous) and its successor (Next) in view.
type Tracker[T Entity] struct {
	slots     [numSlots]T
	filled    [numSlots]bool
	lookahead bool
}

// New returns a two-slot tracker
func New[T Entity]() *Tracker[T] {
	return &Tracker[T]{}
}

// NewLookahead returns a three-slot tracker
func NewLookahead[T Entity]() *Tracker[T] {
	return &Tracker[T]{lookahead: true}
}

func (t *Tracker[T]) feedSlot() Slot {
	if t.lookahead {
		return Next
	}
	return Current
}

// Feed installs v into the feed slot
func (t *Tracker[T]) Feed(v T) error {
	s := t.feedSlot()
	if t.filled[s] {
		return fmt.Errorf("%w: %s slot holds entity %d", ErrSlotOccupied, s, t.slots[s].EntityID())
	}
	t.slots[s] = v
	t.filled[s] = true
	return nil
}

// Swap shifts every slot down by one and clears the feed slot
func (t *Tracker[T]) Swap() {
	var zero T
	t.slots[Previous], t.filled[Previous] = t.slots[Current], t.filled[Current]
	if t.lookahead {
		t.slots[Current], t.filled[Current] = t.slots[Next], t.filled[Next]
	}
	s := t.feedSlot()
	t.slots[s], t.filled[s] = zero, false
}

// Has reports whether slot s is populated
func (t *Tracker[T]) Has(s Slot) bool {
	return t.filled[s]
}

func (t *Tracker[T]) HasPrevious() bool { return t.filled[Previous] }
func (t *Tracker[T]) HasCurrent() bool  { return t.filled[Current] }
func (t *Tracker[T]) HasNext() bool     { return t.filled[Next] }

// Get returns the handle in slot s and whether it is populated
func (t *Tracker[T]) Get(s Slot) (T, bool) {
	return t.slots[s], t.filled[s]
}

func (t *Tracker[T]) Previous() T { return t.slots[Previous] }
func (t *Tracker[T]) Current() T  { return t.slots[Current] }
func (t *Tracker[T]) Next() T     { return t.slots[Next] }

// IsSameEntity reports whether both slots are populated with versions of
// the same entity. Version order is not checked here.
func (t *Tracker[T]) IsSameEntity(a, b Slot) bool {
	if !t.filled[a] || !t.filled[b] {
		return false
	}
	return t.slots[a].EntityID() == t.slots[b].EntityID()
}

// Reset empties every slot
func (t *Tracker[T]) Reset() {
	*t = Tracker[T]{lookahead: t.lookahead}
}
