package nodestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
)

const (
	// Each entry: time (uint32) + user id (uint32) + lat (int32) + lon (int32)
	// Coordinates use fixed point: value * 1e7
	recordSize  = 16
	pageRecords = 1 << 20
	pageBytes   = pageRecords * recordSize

	// Node ids are indexed in blocks of 65536 packed spans, 8 bytes each
	idBlockBits  = 16
	idBlockSize  = 1 << idBlockBits
	idBlockBytes = idBlockSize * 8

	// Index blocks are handed out from chunks of 128 blocks (64 MB)
	indexChunkBlocks = 128

	// A span packs its arena start into the upper 40 bits and its
	// record count into the lower 24
	spanCountBits = 24
	maxSpanCount  = 1<<spanCountBits - 1
	maxSpanStart  = 1<<(64-spanCountBits) - 1
)

// IndexSuffix is appended to the flat nodes path for the span index file
const IndexSuffix = ".idx"

// Paged stores node histories as packed 16 byte records appended to an
// arena of fixed-size pages. All versions of a node occupy one
// contiguous run, which requires input sorted by node id. Runs are
// located through a dense index of 8 byte spans per node id.
//
// With a file path the record pages and the index blocks are memory
// mapped from files so neither has to fit in RAM.
type Paged struct {
	records *chunks
	index   *chunks
	used    uint64

	// blocks[b] holds the spans of ids b<<16 .. b<<16+65535, nil until
	// one of them is recorded
	blocks    [][]byte
	freeBlock [][]byte
	sparse    map[int64]uint64

	lastID  int64
	hasLast bool
	nodes   int64
}

// NewPaged creates a paged store. An empty path keeps the pages in
// anonymous memory; otherwise the records go to path and the index to
// path+IndexSuffix.
func NewPaged(path string, keep bool) (*Paged, error) {
	records, err := newChunks(path, keep, pageBytes)
	if err != nil {
		return nil, err
	}
	indexPath := ""
	if path != "" {
		indexPath = path + IndexSuffix
	}
	index, err := newChunks(indexPath, keep, indexChunkBlocks*idBlockBytes)
	if err != nil {
		records.close()
		return nil, err
	}
	return &Paged{records: records, index: index, sparse: make(map[int64]uint64)}, nil
}

func (p *Paged) Record(id int64, e Entry) error {
	rec, err := pack(e)
	if err != nil {
		return fmt.Errorf("node %d: %w", id, err)
	}

	if p.hasLast && id == p.lastID {
		return p.insert(id, rec)
	}
	if _, count := p.span(id); count > 0 {
		return fmt.Errorf("node %d after node %d: %w", id, p.lastID, ErrOutOfOrder)
	}

	idx, err := p.alloc()
	if err != nil {
		return err
	}
	p.put(idx, rec)
	if err := p.setSpan(id, idx, 1); err != nil {
		return err
	}
	p.lastID, p.hasLast = id, true
	p.nodes++
	return nil
}

// insert adds rec to the run of id at the arena tail, keeping time order
func (p *Paged) insert(id int64, rec [recordSize]byte) error {
	start, count := p.span(id)
	t := binary.LittleEndian.Uint32(rec[0:4])
	end := start + uint64(count)

	lo, hi := start, end
	for lo < hi {
		mid := lo + (hi-lo)/2
		if p.timeAt(mid) < t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < end && p.timeAt(lo) == t {
		p.put(lo, rec)
		return nil
	}
	if count == maxSpanCount {
		return fmt.Errorf("node %d has more than %d versions: %w", id, maxSpanCount, ErrOutOfRange)
	}

	idx, err := p.alloc()
	if err != nil {
		return err
	}
	for i := idx; i > lo; i-- {
		p.put(i, p.get(i-1))
	}
	p.put(lo, rec)
	return p.setSpan(id, start, count+1)
}

func (p *Paged) History(id int64) ([]Entry, bool) {
	start, count := p.span(id)
	if count == 0 {
		return nil, false
	}
	entries := make([]Entry, count)
	for i := range entries {
		entries[i] = unpack(p.get(start + uint64(i)))
	}
	return entries, true
}

func (p *Paged) CoordinateAt(id int64, t int64) (Entry, Lookup) {
	start, count := p.span(id)
	if count == 0 {
		return Entry{}, HardMiss
	}
	if t < 0 {
		return unpack(p.get(start)), SoftMiss
	}
	target := uint64(t)

	// first record with time > t
	lo, hi := start, start+uint64(count)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if uint64(p.timeAt(mid)) <= target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == start {
		return unpack(p.get(start)), SoftMiss
	}
	return unpack(p.get(lo - 1)), Found
}

func (p *Paged) Stats() Stats {
	return Stats{Nodes: p.nodes, Entries: int64(p.used)}
}

// Close releases the pages and removes the backing files unless they
// should be kept
func (p *Paged) Close() error {
	p.blocks = nil
	p.freeBlock = nil
	p.sparse = nil
	return errors.Join(p.records.close(), p.index.close())
}

// span returns the run of id, count is 0 for unknown ids
func (p *Paged) span(id int64) (start uint64, count uint32) {
	var v uint64
	if id < 0 {
		v = p.sparse[id]
	} else {
		block := id >> idBlockBits
		if block >= int64(len(p.blocks)) || p.blocks[block] == nil {
			return 0, 0
		}
		v = binary.LittleEndian.Uint64(p.blocks[block][(id&(idBlockSize-1))*8:])
	}
	return v >> spanCountBits, uint32(v & maxSpanCount)
}

func (p *Paged) setSpan(id int64, start uint64, count uint32) error {
	if start > maxSpanStart {
		return fmt.Errorf("node store holds more than %d records: %w", uint64(maxSpanStart), ErrOutOfRange)
	}
	v := start<<spanCountBits | uint64(count)
	if id < 0 {
		p.sparse[id] = v
		return nil
	}
	block := id >> idBlockBits
	if block >= int64(len(p.blocks)) {
		grown := make([][]byte, block+1)
		copy(grown, p.blocks)
		p.blocks = grown
	}
	if p.blocks[block] == nil {
		b, err := p.newBlock()
		if err != nil {
			return err
		}
		p.blocks[block] = b
	}
	binary.LittleEndian.PutUint64(p.blocks[block][(id&(idBlockSize-1))*8:], v)
	return nil
}

// newBlock takes the next zeroed index block, growing the index by a chunk
func (p *Paged) newBlock() ([]byte, error) {
	if len(p.freeBlock) == 0 {
		chunk, err := p.index.grow()
		if err != nil {
			return nil, fmt.Errorf("failed to grow node index: %w", err)
		}
		for i := 0; i < indexChunkBlocks; i++ {
			p.freeBlock = append(p.freeBlock, chunk[i*idBlockBytes:(i+1)*idBlockBytes:(i+1)*idBlockBytes])
		}
	}
	b := p.freeBlock[0]
	p.freeBlock = p.freeBlock[1:]
	return b, nil
}

func (p *Paged) alloc() (uint64, error) {
	if p.used == uint64(p.records.len())*pageRecords {
		if _, err := p.records.grow(); err != nil {
			return 0, fmt.Errorf("failed to grow flat nodes: %w", err)
		}
	}
	idx := p.used
	p.used++
	return idx, nil
}

func (p *Paged) slot(idx uint64) []byte {
	off := (idx % pageRecords) * recordSize
	return p.records.chunk(int(idx / pageRecords))[off : off+recordSize]
}

func (p *Paged) get(idx uint64) [recordSize]byte {
	var rec [recordSize]byte
	copy(rec[:], p.slot(idx))
	return rec
}

func (p *Paged) put(idx uint64, rec [recordSize]byte) {
	copy(p.slot(idx), rec[:])
}

func (p *Paged) timeAt(idx uint64) uint32 {
	return binary.LittleEndian.Uint32(p.slot(idx))
}

func pack(e Entry) ([recordSize]byte, error) {
	var rec [recordSize]byte
	if e.Time < 0 || e.Time > math.MaxUint32 {
		return rec, fmt.Errorf("timestamp %d: %w", e.Time, ErrOutOfRange)
	}
	if e.UserID < 0 || e.UserID > math.MaxUint32 {
		return rec, fmt.Errorf("user id %d: %w", e.UserID, ErrOutOfRange)
	}
	if math.Abs(e.Lat) > 214 || math.Abs(e.Lon) > 214 {
		return rec, fmt.Errorf("coordinate %f,%f: %w", e.Lon, e.Lat, ErrOutOfRange)
	}
	binary.LittleEndian.PutUint32(rec[0:4], uint32(e.Time))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(e.UserID))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(scaleCoord(e.Lat)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(scaleCoord(e.Lon)))
	return rec, nil
}

func unpack(rec [recordSize]byte) Entry {
	return Entry{
		Time:   int64(binary.LittleEndian.Uint32(rec[0:4])),
		UserID: int64(binary.LittleEndian.Uint32(rec[4:8])),
		Lat:    unscaleCoord(int32(binary.LittleEndian.Uint32(rec[8:12]))),
		Lon:    unscaleCoord(int32(binary.LittleEndian.Uint32(rec[12:16]))),
	}
}

// chunks hands out zeroed fixed-size byte chunks, from anonymous memory
// or from mmapped regions of a file that grows chunk by chunk
type chunks struct {
	size int
	data [][]byte
	maps []mmap.MMap
	file *os.File
	path string
	keep bool
}

func newChunks(path string, keep bool, size int) (*chunks, error) {
	c := &chunks{size: size, path: path, keep: keep}
	if path == "" {
		return c, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	c.file = f
	return c, nil
}

func (c *chunks) len() int { return len(c.data) }

func (c *chunks) chunk(i int) []byte { return c.data[i] }

func (c *chunks) grow() ([]byte, error) {
	if c.file == nil {
		b := make([]byte, c.size)
		c.data = append(c.data, b)
		return b, nil
	}
	offset := int64(len(c.data)) * int64(c.size)
	if err := c.file.Truncate(offset + int64(c.size)); err != nil {
		return nil, err
	}
	m, err := mmap.MapRegion(c.file, c.size, mmap.RDWR, 0, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %w", c.path, err)
	}
	c.maps = append(c.maps, m)
	c.data = append(c.data, []byte(m))
	return m, nil
}

func (c *chunks) close() error {
	var errs []error
	for _, m := range c.maps {
		if err := m.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap %s: %w", c.path, err))
		}
	}
	c.maps = nil
	c.data = nil

	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", c.path, err))
		}
		if !c.keep {
			if err := os.Remove(c.path); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", c.path, err))
			}
		}
		c.file = nil
	}
	return errors.Join(errs...)
}
