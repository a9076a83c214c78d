// Package copyfmt renders records in the PostgreSQL COPY text format.
package copyfmt

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmhistory-go/internal/record"
)

// Null is the COPY text marker for SQL NULL
const Null = `\N`

// TimeLayout is the timestamp format written for valid_from/valid_to
const TimeLayout = "2006-01-02T15:04:05Z"

// Escape appends s to dst with COPY text escaping applied
func Escape(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// Timestamp formats t in UTC, the zero time becomes Null
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return Null
	}
	return t.UTC().Format(TimeLayout)
}

var hstoreEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// HStore renders tags in the hstore text representation,
// e.g. "highway"=>"residential","name"=>"Main St"
func HStore(tags osm.Tags) string {
	var b strings.Builder
	for i, t := range tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		hstoreEscaper.WriteString(&b, t.Key)
		b.WriteString(`"=>"`)
		hstoreEscaper.WriteString(&b, t.Value)
		b.WriteByte('"')
	}
	return b.String()
}

// PointText renders p as EWKT, e.g. "SRID=4326;POINT(8.5 47.3)"
func PointText(p orb.Point, srid int) string {
	return "SRID=" + strconv.Itoa(srid) + ";" + wkt.MarshalString(p)
}

// Encoder turns records into COPY text lines. It reuses its line buffer
// and is not safe for concurrent use.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 512)}
}

// Line renders r as one newline-terminated COPY line. The returned
// slice is only valid until the next call.
func (e *Encoder) Line(r *record.Record) ([]byte, error) {
	b := e.buf[:0]
	b = strconv.AppendInt(b, r.ID, 10)
	b = append(b, '\t')
	b = strconv.AppendInt(b, int64(r.Version), 10)
	b = append(b, '\t')
	b = strconv.AppendInt(b, int64(r.Minor), 10)
	b = append(b, '\t')
	b = appendBool(b, r.Visible)
	b = append(b, '\t')
	b = strconv.AppendInt(b, r.UserID, 10)
	b = append(b, '\t')
	b = Escape(b, r.User)
	b = append(b, '\t')
	b = append(b, Timestamp(r.ValidFrom)...)
	b = append(b, '\t')
	b = append(b, Timestamp(r.ValidTo)...)
	b = append(b, '\t')
	b = Escape(b, HStore(r.Tags))
	b = append(b, '\t')

	var err error
	switch r.Table {
	case record.TablePoint:
		b, err = e.appendGeom(b, r)
	case record.TableLine:
		b = strconv.AppendInt(b, int64(r.ZOrder), 10)
		b = append(b, '\t')
		b, err = e.appendGeom(b, r)
	case record.TablePolygon:
		b = strconv.AppendFloat(b, r.Area, 'f', -1, 64)
		b = append(b, '\t')
		b, err = e.appendGeom(b, r)
		b = append(b, '\t')
		if r.Interior != nil {
			b = append(b, PointText(*r.Interior, r.SRID)...)
		} else {
			b = append(b, Null...)
		}
	default:
		err = fmt.Errorf("unknown table %s", r.Table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", r, err)
	}

	b = append(b, '\n')
	e.buf = b
	return b, nil
}

// appendGeom writes points as EWKT and everything else as hex EWKB
func (e *Encoder) appendGeom(b []byte, r *record.Record) ([]byte, error) {
	if r.Geom == nil {
		return append(b, Null...), nil
	}
	if p, ok := r.Geom.(orb.Point); ok {
		return append(b, PointText(p, r.SRID)...), nil
	}
	s, err := ewkb.MarshalToHex(r.Geom, r.SRID)
	if err != nil {
		return b, err
	}
	return append(b, s...), nil
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 't')
	}
	return append(b, 'f')
}
