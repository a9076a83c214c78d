package nodestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/wegman-software/osmhistory-go/internal/logger"
)

const (
	levelKeySize   = 16
	levelValueSize = 24
	levelBatchSize = 50000
)

// Level keeps node histories in a goleveldb database. Keys order by
// node id, then time, so a node's history is one contiguous key range.
// Writes are batched and flushed before any read.
type Level struct {
	mu      sync.Mutex
	db      *leveldb.DB
	batch   *leveldb.Batch
	dir     string
	tempDir bool

	lastID  int64
	hasLast bool
	nodes   int64
	entries int64
}

// OpenLevel opens a fresh database in dir, or in a temporary directory
// when dir is empty
func OpenLevel(dir string) (*Level, error) {
	temp := false
	if dir == "" {
		d, err := os.MkdirTemp("", "osmhistory-nodes-")
		if err != nil {
			return nil, fmt.Errorf("failed to create node store directory: %w", err)
		}
		dir, temp = d, true
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{
		BlockCacheCapacity: 64 * opt.MiB,
		WriteBuffer:        32 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb node store: %w", err)
	}
	return &Level{db: db, batch: new(leveldb.Batch), dir: dir, tempDir: temp}, nil
}

func (l *Level) Record(id int64, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.batch.Put(levelKey(id, e.Time), levelValue(e))
	l.entries++
	if !l.hasLast || id != l.lastID {
		l.nodes++
		l.lastID, l.hasLast = id, true
	}
	if l.batch.Len() >= levelBatchSize {
		return l.flushLocked()
	}
	return nil
}

func (l *Level) History(id int64) ([]Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		logger.Get().Error("Node store flush failed", zap.Error(err))
		return nil, false
	}

	iter := l.db.NewIterator(util.BytesPrefix(idPrefix(id)), nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		entries = append(entries, decodeLevel(iter.Key(), iter.Value()))
	}
	if err := iter.Error(); err != nil {
		logger.Get().Error("Node history read failed", zap.Int64("node_id", id), zap.Error(err))
		return nil, false
	}
	return entries, len(entries) > 0
}

func (l *Level) CoordinateAt(id int64, t int64) (Entry, Lookup) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		logger.Get().Error("Node store flush failed", zap.Error(err))
		return Entry{}, HardMiss
	}

	var limit []byte
	if t == math.MaxInt64 {
		limit = util.BytesPrefix(idPrefix(id)).Limit
	} else {
		limit = levelKey(id, t+1)
	}
	iter := l.db.NewIterator(&util.Range{Start: levelKey(id, math.MinInt64), Limit: limit}, nil)
	if iter.Last() {
		e := decodeLevel(iter.Key(), iter.Value())
		iter.Release()
		return e, Found
	}
	iter.Release()

	iter = l.db.NewIterator(util.BytesPrefix(idPrefix(id)), nil)
	defer iter.Release()
	if iter.First() {
		return decodeLevel(iter.Key(), iter.Value()), SoftMiss
	}
	if err := iter.Error(); err != nil {
		logger.Get().Error("Node lookup failed", zap.Int64("node_id", id), zap.Error(err))
	}
	return Entry{}, HardMiss
}

func (l *Level) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Nodes: l.nodes, Entries: l.entries}
}

// Close closes the database and removes it if it lives in a temporary
// directory
func (l *Level) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if err := l.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := l.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close leveldb node store: %w", err))
	}
	if l.tempDir {
		if err := os.RemoveAll(l.dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove node store directory: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (l *Level) flushLocked() error {
	if l.batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(l.batch, nil); err != nil {
		return fmt.Errorf("failed to write node batch: %w", err)
	}
	l.batch.Reset()
	return nil
}

// orderedUint flips the sign bit so big-endian bytes sort like int64
func orderedUint(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func idPrefix(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, orderedUint(id))
	return b
}

func levelKey(id, t int64) []byte {
	b := make([]byte, levelKeySize)
	binary.BigEndian.PutUint64(b[0:8], orderedUint(id))
	binary.BigEndian.PutUint64(b[8:16], orderedUint(t))
	return b
}

func levelValue(e Entry) []byte {
	b := make([]byte, levelValueSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(e.UserID))
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(e.Lon))
	binary.LittleEndian.PutUint64(b[16:24], math.Float64bits(e.Lat))
	return b
}

func decodeLevel(key, value []byte) Entry {
	return Entry{
		Time:   int64(binary.BigEndian.Uint64(key[8:16]) ^ (1 << 63)),
		UserID: int64(binary.LittleEndian.Uint64(value[0:8])),
		Lon:    math.Float64frombits(binary.LittleEndian.Uint64(value[8:16])),
		Lat:    math.Float64frombits(binary.LittleEndian.Uint64(value[16:24])),
	}
}
