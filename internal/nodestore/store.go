// Package nodestore keeps the coordinate history of every node seen in
// an import run and answers point-in-time lookups against it.
//
// Three interchangeable implementations exist: Map (per-node slices),
// Paged (packed fixed-size records in pages, optionally file backed)
// and Level (goleveldb on disk). All of them keep a node's entries in
// ascending time order and let a later entry with an identical timestamp
// replace the earlier one.
package nodestore

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrOutOfOrder is returned when a node id is recorded after entries
	// of a different node were recorded in between. Sorted input never
	// triggers it.
	ErrOutOfOrder = errors.New("node history recorded out of id order")
	// ErrOutOfRange is returned for values a store cannot represent
	ErrOutOfRange = errors.New("value out of range for node store")
)

// Entry is one recorded node version. Time is in Unix seconds.
type Entry struct {
	Time   int64
	Lon    float64
	Lat    float64
	UserID int64
}

// Lookup classifies the outcome of a point-in-time query
type Lookup int8

const (
	// HardMiss means the node has no recorded history at all
	HardMiss Lookup = iota
	// Found means an entry at or before the requested time exists
	Found
	// SoftMiss means the requested time precedes the first entry and
	// the first entry was returned instead
	SoftMiss
)

// OK reports whether a coordinate was returned
func (l Lookup) OK() bool {
	return l != HardMiss
}

func (l Lookup) String() string {
	switch l {
	case Found:
		return "found"
	case SoftMiss:
		return "soft_miss"
	default:
		return "hard_miss"
	}
}

// Stats describes the size of a store
type Stats struct {
	Nodes   int64
	Entries int64
}

// Store is the node coordinate history
type Store interface {
	// Record adds one entry to the history of node id
	Record(id int64, e Entry) error
	// History returns all entries of node id in ascending time order
	History(id int64) ([]Entry, bool)
	// CoordinateAt returns the latest entry at or before t, falling back
	// to the earliest entry when t precedes the whole history
	CoordinateAt(id int64, t int64) (Entry, Lookup)
	Stats() Stats
	Close() error
}

// Kind selects a Store implementation
type Kind string

const (
	KindMap   Kind = "map"
	KindPaged Kind = "paged"
	KindLevel Kind = "leveldb"
)

// Options configures Open
type Options struct {
	// FlatNodesFile backs the paged store with a memory-mapped file
	FlatNodesFile string
	// KeepFlatNodes leaves the flat nodes file on disk after Close
	KeepFlatNodes bool
	// Dir is the leveldb directory; a temporary directory is used if empty
	Dir string
}

// Open creates a store of the given kind
func Open(kind Kind, opts Options) (Store, error) {
	switch kind {
	case KindMap, "":
		return NewMap(), nil
	case KindPaged:
		return NewPaged(opts.FlatNodesFile, opts.KeepFlatNodes)
	case KindLevel:
		return OpenLevel(opts.Dir)
	default:
		return nil, fmt.Errorf("unknown node store %q (supported: map, paged, leveldb)", kind)
	}
}

// ParseKind validates a node store name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMap, KindPaged, KindLevel:
		return k, nil
	}
	return "", fmt.Errorf("unknown node store %q (supported: map, paged, leveldb)", s)
}

// pointInTime applies the lookup policy to a time-ordered slice
func pointInTime(entries []Entry, t int64) (Entry, Lookup) {
	if len(entries) == 0 {
		return Entry{}, HardMiss
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Time > t })
	if i == 0 {
		return entries[0], SoftMiss
	}
	return entries[i-1], Found
}

// insertEntry keeps entries time-ordered; an equal timestamp is replaced
func insertEntry(entries []Entry, e Entry) []Entry {
	n := len(entries)
	if n == 0 || entries[n-1].Time < e.Time {
		return append(entries, e)
	}
	i := sort.Search(n, func(i int) bool { return entries[i].Time >= e.Time })
	if entries[i].Time == e.Time {
		entries[i] = e
		return entries
	}
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// scaleCoord converts a degree value to fixed point with 7 decimals
func scaleCoord(coord float64) int32 {
	return int32(math.Round(coord * 1e7))
}

func unscaleCoord(scaled int32) float64 {
	return float64(scaled) / 1e7
}
