// Package sortcheck verifies that a history stream is ordered by
// (type, id, version), the precondition of every later stage.
package sortcheck

import (
	"errors"
	"fmt"

	"github.com/wegman-software/osmhistory-go/internal/osmhist"
)

// ErrUnsorted is matched by every SortError
var ErrUnsorted = errors.New("input is not sorted by type, id and version")

// Key is the ordering key of one entity version
type Key struct {
	Type    osmhist.Type
	ID      int64
	Version int
}

func (k Key) String() string {
	return fmt.Sprintf("%s %d v%d", k.Type, k.ID, k.Version)
}

// Less compares keys lexicographically
func (k Key) Less(o Key) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	if k.ID != o.ID {
		return k.ID < o.ID
	}
	return k.Version < o.Version
}

// SortError identifies the offending version and the one seen before it
type SortError struct {
	Offending Key
	Prior     Key
}

func (e *SortError) Error() string {
	return fmt.Sprintf("incorrect sorting in input file detected: %s came after %s", e.Offending, e.Prior)
}

func (e *SortError) Unwrap() error {
	return ErrUnsorted
}

// Guard remembers the last accepted key. The zero value is ready to use.
type Guard struct {
	last Key
	seen int64
}

// Check reports whether key may follow the last accepted key.
// Equal keys are accepted.
func (g *Guard) Check(key Key) bool {
	return !key.Less(g.last)
}

// Enforce accepts key or returns a *SortError. A rejected key does not
// replace the last accepted one.
func (g *Guard) Enforce(key Key) error {
	if !g.Check(key) {
		return &SortError{Offending: key, Prior: g.last}
	}
	g.last = key
	g.seen++
	return nil
}

// EnforceVersion is Enforce for an entity version
func (g *Guard) EnforceVersion(v *osmhist.Version) error {
	return g.Enforce(Key{Type: v.Type, ID: v.ID, Version: v.Version})
}

// Last returns the last accepted key
func (g *Guard) Last() Key {
	return g.last
}

// Seen returns the number of accepted keys
func (g *Guard) Seen() int64 {
	return g.seen
}
