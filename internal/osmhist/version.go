package osmhist

import (
	"fmt"
	"time"

	"github.com/paulmach/osm"
)

// Type is the entity type of a version. The numeric order is the sort
// order of a history file: all nodes, then ways, then relations.
type Type int8

const (
	TypeUnknown Type = iota
	TypeNode
	TypeWay
	TypeRelation
)

func (t Type) String() string {
	switch t {
	case TypeNode:
		return "node"
	case TypeWay:
		return "way"
	case TypeRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Version is one immutable snapshot of a node, way or relation.
// Versions are shared by reference between trackers and must not be
// modified after they have been handed to the importer.
type Version struct {
	Type      Type
	ID        int64
	Version   int
	Visible   bool
	Timestamp time.Time
	UserID    int64
	User      string
	Tags      osm.Tags

	// Nodes only
	Lon, Lat float64

	// Ways only: ordered node references
	Nodes []int64
}

// EntityID returns the id shared by all versions of the entity
func (v *Version) EntityID() int64 {
	return v.ID
}

// Unix returns the timestamp in seconds, the resolution of OSM timestamps
func (v *Version) Unix() int64 {
	return v.Timestamp.Unix()
}

// IsClosed reports whether a way starts and ends at the same node
func (v *Version) IsClosed() bool {
	return len(v.Nodes) >= 4 && v.Nodes[0] == v.Nodes[len(v.Nodes)-1]
}

func (v *Version) String() string {
	return fmt.Sprintf("%s %d v%d", v.Type, v.ID, v.Version)
}

// FromObject converts a decoded OSM object. ok is false for objects that
// are not part of a history stream (changesets, notes, users).
func FromObject(obj osm.Object) (v *Version, ok bool) {
	switch o := obj.(type) {
	case *osm.Node:
		return &Version{
			Type:      TypeNode,
			ID:        int64(o.ID),
			Version:   o.Version,
			Visible:   o.Visible,
			Timestamp: o.Timestamp.UTC(),
			UserID:    int64(o.UserID),
			User:      o.User,
			Tags:      o.Tags,
			Lon:       o.Lon,
			Lat:       o.Lat,
		}, true
	case *osm.Way:
		nodes := make([]int64, len(o.Nodes))
		for i, wn := range o.Nodes {
			nodes[i] = int64(wn.ID)
		}
		return &Version{
			Type:      TypeWay,
			ID:        int64(o.ID),
			Version:   o.Version,
			Visible:   o.Visible,
			Timestamp: o.Timestamp.UTC(),
			UserID:    int64(o.UserID),
			User:      o.User,
			Tags:      o.Tags,
			Nodes:     nodes,
		}, true
	case *osm.Relation:
		return &Version{
			Type:      TypeRelation,
			ID:        int64(o.ID),
			Version:   o.Version,
			Visible:   o.Visible,
			Timestamp: o.Timestamp.UTC(),
			UserID:    int64(o.UserID),
			User:      o.User,
			Tags:      o.Tags,
		}, true
	}
	return nil, false
}
