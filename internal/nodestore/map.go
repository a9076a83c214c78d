package nodestore

// Map keeps one slice of entries per node id
type Map struct {
	nodes   map[int64][]Entry
	entries int64
}

// NewMap creates an empty map-backed store
func NewMap() *Map {
	return &Map{nodes: make(map[int64][]Entry)}
}

func (m *Map) Record(id int64, e Entry) error {
	before := len(m.nodes[id])
	m.nodes[id] = insertEntry(m.nodes[id], e)
	m.entries += int64(len(m.nodes[id]) - before)
	return nil
}

func (m *Map) History(id int64) ([]Entry, bool) {
	entries, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return entries, true
}

func (m *Map) CoordinateAt(id int64, t int64) (Entry, Lookup) {
	return pointInTime(m.nodes[id], t)
}

func (m *Map) Stats() Stats {
	return Stats{Nodes: int64(len(m.nodes)), Entries: m.entries}
}

func (m *Map) Close() error {
	m.nodes = nil
	return nil
}
