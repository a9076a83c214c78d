// Package tagtransform runs an optional Lua script that rewrites or drops
// tags before records are written. The script interface follows the
// osm2pgsql tag transform callbacks:
//
//	function filter_tags_node(keyvalues, numberofkeys)
//	    return filter, keyvalues
//	end
//
//	function filter_tags_way(keyvalues, numberofkeys)
//	    return filter, keyvalues, polygon, roads
//	end
//
// A filter value of 1 drops the version from the output.
package tagtransform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"

	"github.com/wegman-software/osmhistory-go/internal/classify"
)

// NodeResult is the outcome of filter_tags_node
type NodeResult struct {
	Drop bool
	Tags osm.Tags
}

// WayResult is the outcome of filter_tags_way
type WayResult struct {
	Drop bool
	Tags osm.Tags
	// Polygon is the script's area decision
	Polygon bool
	Roads   bool
}

// Script wraps one Lua state. Calls are serialized.
type Script struct {
	mu         sync.Mutex
	L          *lua.LState
	classifier *classify.Classifier
	filterNode lua.LValue
	filterWay  lua.LValue
}

func newScript(c *classify.Classifier) *Script {
	if c == nil {
		c = classify.Default()
	}
	s := &Script{L: lua.NewState(), classifier: c}
	s.registerAPI()
	return s
}

// Load runs the script file at path
func Load(path string, c *classify.Classifier) (*Script, error) {
	s := newScript(c)
	if err := s.L.DoFile(path); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load tag transform script: %w", err)
	}
	s.extractCallbacks()
	return s, nil
}

// LoadString runs Lua code from a string
func LoadString(code string, c *classify.Classifier) (*Script, error) {
	s := newScript(c)
	if err := s.L.DoString(code); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load tag transform code: %w", err)
	}
	s.extractCallbacks()
	return s, nil
}

// Close releases Lua resources
func (s *Script) Close() {
	s.L.Close()
}

// registerAPI installs the osmhistory table with the classification
// functions and string helpers
func (s *Script) registerAPI() {
	api := s.L.NewTable()
	api.RawSetString("looks_like_polygon", s.L.NewFunction(s.luaLooksLikePolygon))
	api.RawSetString("z_order", s.L.NewFunction(s.luaZOrder))
	for name, fn := range helpers {
		api.RawSetString(name, s.L.NewFunction(fn))
	}
	s.L.SetGlobal("osmhistory", api)
}

func (s *Script) extractCallbacks() {
	if fn := s.L.GetGlobal("filter_tags_node"); fn.Type() == lua.LTFunction {
		s.filterNode = fn
	}
	if fn := s.L.GetGlobal("filter_tags_way"); fn.Type() == lua.LTFunction {
		s.filterWay = fn
	}
}

// HasNodeFilter reports whether the script defines filter_tags_node
func (s *Script) HasNodeFilter() bool {
	return s != nil && s.filterNode != nil
}

// HasWayFilter reports whether the script defines filter_tags_way
func (s *Script) HasWayFilter() bool {
	return s != nil && s.filterWay != nil
}

// FilterNode runs filter_tags_node. Without the callback tags pass
// through unchanged.
func (s *Script) FilterNode(tags osm.Tags) (NodeResult, error) {
	if !s.HasNodeFilter() {
		return NodeResult{Tags: tags}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, err := s.call(s.filterNode, tags, 2)
	if err != nil {
		return NodeResult{}, fmt.Errorf("filter_tags_node: %w", err)
	}
	return NodeResult{Drop: isTrue(ret[0]), Tags: resultTags(ret[1])}, nil
}

// FilterWay runs filter_tags_way. Without the callback tags pass through
// and Polygon reports the classifier's decision.
func (s *Script) FilterWay(tags osm.Tags) (WayResult, error) {
	if !s.HasWayFilter() {
		c := classify.Default()
		if s != nil {
			c = s.classifier
		}
		return WayResult{Tags: tags, Polygon: c.LooksLikePolygon(tags)}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, err := s.call(s.filterWay, tags, 4)
	if err != nil {
		return WayResult{}, fmt.Errorf("filter_tags_way: %w", err)
	}
	return WayResult{
		Drop:    isTrue(ret[0]),
		Tags:    resultTags(ret[1]),
		Polygon: isTrue(ret[2]),
		Roads:   isTrue(ret[3]),
	}, nil
}

func (s *Script) call(fn lua.LValue, tags osm.Tags, nret int) ([]lua.LValue, error) {
	err := s.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true},
		tagsToTable(s.L, tags), lua.LNumber(len(tags)))
	if err != nil {
		return nil, err
	}
	ret := make([]lua.LValue, nret)
	for i := range ret {
		ret[i] = s.L.Get(i - nret)
	}
	s.L.Pop(nret)
	return ret, nil
}

func (s *Script) luaLooksLikePolygon(L *lua.LState) int {
	L.Push(lua.LBool(s.classifier.LooksLikePolygon(tableToTags(L.CheckTable(1)))))
	return 1
}

func (s *Script) luaZOrder(L *lua.LState) int {
	L.Push(lua.LNumber(s.classifier.ZOrder(tableToTags(L.CheckTable(1)))))
	return 1
}

// isTrue accepts Lua numbers (1) and booleans
func isTrue(v lua.LValue) bool {
	switch v := v.(type) {
	case lua.LNumber:
		return v != 0
	case lua.LBool:
		return bool(v)
	}
	return false
}

func resultTags(v lua.LValue) osm.Tags {
	if t, ok := v.(*lua.LTable); ok {
		return tableToTags(t)
	}
	return nil
}

func tagsToTable(L *lua.LState, tags osm.Tags) *lua.LTable {
	t := L.CreateTable(0, len(tags))
	for _, tag := range tags {
		t.RawSetString(tag.Key, lua.LString(tag.Value))
	}
	return t
}

// tableToTags converts a Lua table to tags sorted by key
func tableToTags(t *lua.LTable) osm.Tags {
	var tags osm.Tags
	t.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok || key == "" {
			return
		}
		tags = append(tags, osm.Tag{Key: string(key), Value: lua.LVAsString(v)})
	})
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}
