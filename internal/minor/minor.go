// Package minor finds the moments inside a way version's lifetime at
// which one of its nodes moved, each of which starts a minor version.
package minor

import (
	"sort"

	"github.com/wegman-software/osmhistory-go/internal/nodestore"
)

// Moment is one minor version boundary
type Moment struct {
	Time int64
	// UserID is the user of the node version that caused the boundary
	UserID int64
}

// Window is a way version's validity interval in Unix seconds
type Window struct {
	From int64
	To   int64
	// Unbounded means the version is still current and To is ignored
	Unbounded bool
}

// Inverted reports a bounded window that ends before it starts
func (w Window) Inverted() bool {
	return !w.Unbounded && w.From > w.To
}

// Calculator computes minor times against a node history
type Calculator struct {
	store nodestore.Store
	// UpperInclusive also accepts node changes at exactly To
	UpperInclusive bool
}

// New creates a calculator reading from store
func New(store nodestore.Store, upperInclusive bool) *Calculator {
	return &Calculator{store: store, UpperInclusive: upperInclusive}
}

// Times returns the sorted, distinct moments after w.From and before
// w.To at which any node in nodes has a recorded version. When two
// nodes share a moment, the node appearing first in nodes provides the
// user. Nodes without history are skipped. An inverted window yields
// nothing.
func (c *Calculator) Times(nodes []int64, w Window) []Moment {
	if w.Inverted() {
		return nil
	}

	seen := make(map[int64]int64)
	for _, id := range nodes {
		history, ok := c.store.History(id)
		if !ok {
			continue
		}
		for _, e := range history {
			if !c.inside(e.Time, w) {
				continue
			}
			if _, dup := seen[e.Time]; !dup {
				seen[e.Time] = e.UserID
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	moments := make([]Moment, 0, len(seen))
	for t, uid := range seen {
		moments = append(moments, Moment{Time: t, UserID: uid})
	}
	sort.Slice(moments, func(i, j int) bool { return moments[i].Time < moments[j].Time })
	return moments
}

func (c *Calculator) inside(t int64, w Window) bool {
	if t <= w.From {
		return false
	}
	if w.Unbounded {
		return true
	}
	if c.UpperInclusive {
		return t <= w.To
	}
	return t < w.To
}
