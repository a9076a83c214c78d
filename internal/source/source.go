// Package source reads OSM history files as a stream of versions.
package source

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"

	"github.com/wegman-software/osmhistory-go/internal/osmhist"
)

// Scanner yields versions in file order
type Scanner interface {
	Scan() bool
	Version() *osmhist.Version
	Err() error
	Close() error
	// BytesRead is the number of input file bytes consumed so far.
	// Safe to call from another goroutine.
	BytesRead() int64
}

// Format is the container format of an input file
type Format int8

const (
	FormatPBF Format = iota + 1
	FormatXML
)

// Kind describes how an input file has to be read
type Kind struct {
	Format      Format
	Compression string // "", "gz", "bz2" or "zst"
	// History files carry explicit visible flags. In plain .osm
	// extracts every version is visible.
	History bool
}

// Detect derives the file kind from the file name
func Detect(path string) (Kind, error) {
	name := strings.ToLower(filepath.Base(path))
	var k Kind
	for _, c := range []string{"gz", "bz2", "zst"} {
		if strings.HasSuffix(name, "."+c) {
			k.Compression = c
			name = strings.TrimSuffix(name, "."+c)
			break
		}
	}
	switch filepath.Ext(name) {
	case ".pbf":
		if k.Compression != "" {
			return Kind{}, fmt.Errorf("compressed PBF input is not supported: %s", path)
		}
		k.Format, k.History = FormatPBF, true
	case ".osh":
		k.Format, k.History = FormatXML, true
	case ".osm":
		k.Format = FormatXML
	default:
		return Kind{}, fmt.Errorf("unknown input format: %s (supported: .osm.pbf, .osh.pbf, .osh, .osm, optionally .gz/.bz2/.zst for XML)", path)
	}
	return k, nil
}

type objectScanner interface {
	Scan() bool
	Object() osm.Object
	Err() error
	Close() error
}

// File scans an OSM file from disk
type File struct {
	file    *os.File
	counter *countingReader
	objects objectScanner
	pbf     *osmpbf.Scanner
	closers []func() error
	kind    Kind
	size    int64
	current *osmhist.Version
}

// Open opens path and starts decoding it. The context stops background
// decoding when cancelled.
func Open(ctx context.Context, path string) (*File, error) {
	kind, err := Detect(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}

	s := &File{file: f, counter: &countingReader{r: f}, kind: kind, size: info.Size()}

	var r io.Reader = s.counter
	switch kind.Compression {
	case "gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		s.closers = append(s.closers, gz.Close)
		r = gz
	case "bz2":
		r = bzip2.NewReader(r)
	case "zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		s.closers = append(s.closers, func() error { zr.Close(); return nil })
		r = zr
	}

	if kind.Format == FormatPBF {
		s.pbf = osmpbf.New(ctx, r, runtime.NumCPU())
		s.objects = s.pbf
	} else {
		s.objects = osmxml.New(ctx, r)
	}
	return s, nil
}

// Kind returns the detected file kind
func (s *File) Kind() Kind {
	return s.kind
}

// Size returns the input file size in bytes
func (s *File) Size() int64 {
	return s.size
}

func (s *File) Scan() bool {
	for s.objects.Scan() {
		v, ok := osmhist.FromObject(s.objects.Object())
		if !ok {
			continue
		}
		if !s.kind.History {
			v.Visible = true
		}
		s.current = v
		return true
	}
	s.current = nil
	return false
}

func (s *File) Version() *osmhist.Version {
	return s.current
}

func (s *File) Err() error {
	if err := s.objects.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (s *File) BytesRead() int64 {
	if s.pbf != nil {
		return s.pbf.FullyScannedBytes()
	}
	return s.counter.n.Load()
}

func (s *File) Close() error {
	err := s.objects.Close()
	for _, c := range s.closers {
		c()
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Slice replays prepared versions
type Slice struct {
	versions []*osmhist.Version
	pos      int
	read     atomic.Int64
}

// NewSliceScanner returns a scanner over versions
func NewSliceScanner(versions []*osmhist.Version) *Slice {
	return &Slice{versions: versions}
}

func (s *Slice) Scan() bool {
	if s.pos >= len(s.versions) {
		s.pos = len(s.versions) + 1
		return false
	}
	s.pos++
	s.read.Store(int64(s.pos))
	return true
}

func (s *Slice) Version() *osmhist.Version {
	if s.pos == 0 || s.pos > len(s.versions) {
		return nil
	}
	return s.versions[s.pos-1]
}

func (s *Slice) Err() error   { return nil }
func (s *Slice) Close() error { return nil }

// BytesRead counts versions for a slice scanner
func (s *Slice) BytesRead() int64 {
	return s.read.Load()
}
