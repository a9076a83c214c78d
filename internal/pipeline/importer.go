package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmhistory-go/internal/classify"
	"github.com/wegman-software/osmhistory-go/internal/geom"
	"github.com/wegman-software/osmhistory-go/internal/metrics"
	"github.com/wegman-software/osmhistory-go/internal/minor"
	"github.com/wegman-software/osmhistory-go/internal/nodestore"
	"github.com/wegman-software/osmhistory-go/internal/osmhist"
	"github.com/wegman-software/osmhistory-go/internal/proj"
	"github.com/wegman-software/osmhistory-go/internal/record"
	"github.com/wegman-software/osmhistory-go/internal/sortcheck"
	"github.com/wegman-software/osmhistory-go/internal/style"
	"github.com/wegman-software/osmhistory-go/internal/tagtransform"
	"github.com/wegman-software/osmhistory-go/internal/tracker"
)

// Emitter receives finished records in output order
type Emitter interface {
	Emit(ctx context.Context, r *record.Record) error
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(ctx context.Context, r *record.Record) error

func (f EmitterFunc) Emit(ctx context.Context, r *record.Record) error {
	return f(ctx, r)
}

// ImporterOptions wires the components used by the importer. Store and
// Transformer are required, everything else has a default.
type ImporterOptions struct {
	Store       nodestore.Store
	Transformer *proj.Transformer
	Classifier  *classify.Classifier
	Filters     style.Filters
	Script      *tagtransform.Script
	Metrics     *metrics.ImportMetrics
	Logger      *zap.Logger

	Interior             bool
	StoreErrors          bool
	MinorUpperInclusive  bool
	RecordInvisibleNodes bool
}

// Importer turns a sorted history stream into point, line and polygon
// records. It is not safe for concurrent use; its Stats are.
type Importer struct {
	opts    ImporterOptions
	log     *zap.Logger
	emitter Emitter

	guard   sortcheck.Guard
	nodes   *tracker.Tracker[*osmhist.Version]
	ways    *tracker.Tracker[*osmhist.Version]
	builder *geom.Builder
	minor   *minor.Calculator

	// user names by uid, minor versions only carry the uid
	users map[int64]string
	phase osmhist.Type
	stats *Stats
}

// NewImporter creates an importer writing to emitter
func NewImporter(opts ImporterOptions, emitter Emitter) (*Importer, error) {
	if opts.Store == nil {
		return nil, errors.New("importer needs a node store")
	}
	if opts.Transformer == nil {
		return nil, errors.New("importer needs a transformer")
	}
	if opts.Classifier == nil {
		opts.Classifier = classify.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Importer{
		opts:    opts,
		log:     opts.Logger,
		emitter: emitter,
		nodes:   tracker.New[*osmhist.Version](),
		ways:    tracker.NewLookahead[*osmhist.Version](),
		builder: geom.NewBuilder(opts.Store, opts.Transformer, opts.Interior),
		minor:   minor.New(opts.Store, opts.MinorUpperInclusive),
		users:   make(map[int64]string),
		phase:   osmhist.TypeNode,
		stats:   &Stats{},
	}, nil
}

// Stats returns the live counters
func (im *Importer) Stats() *Stats {
	return im.stats
}

// Process handles the next version of the stream. Errors are fatal for
// the run: unsorted input, a broken node store or failing projection.
func (im *Importer) Process(ctx context.Context, v *osmhist.Version) error {
	if err := im.guard.EnforceVersion(v); err != nil {
		return err
	}
	if err := im.advance(ctx, v.Type); err != nil {
		return err
	}
	if v.User != "" {
		im.users[v.UserID] = v.User
	}
	if im.opts.Metrics != nil {
		im.opts.Metrics.Entities.WithLabelValues(v.Type.String()).Inc()
	}

	switch v.Type {
	case osmhist.TypeNode:
		im.stats.Nodes.Add(1)
		return im.node(ctx, v)
	case osmhist.TypeWay:
		im.stats.Ways.Add(1)
		return im.way(ctx, v)
	default:
		im.stats.Relations.Add(1)
		return nil
	}
}

// Finish writes the versions still held by the trackers
func (im *Importer) Finish(ctx context.Context) error {
	return im.advance(ctx, osmhist.TypeRelation+1)
}

// advance flushes the trackers of every phase before t
func (im *Importer) advance(ctx context.Context, t osmhist.Type) error {
	for im.phase < t {
		switch im.phase {
		case osmhist.TypeNode:
			if err := im.flushNodes(ctx); err != nil {
				return err
			}
			im.log.Debug("Node phase complete", zap.Int64("nodes", im.stats.Nodes.Load()))
		case osmhist.TypeWay:
			if err := im.flushWays(ctx); err != nil {
				return err
			}
			im.log.Debug("Way phase complete", zap.Int64("ways", im.stats.Ways.Load()))
		}
		im.phase++
	}
	return nil
}

func (im *Importer) node(ctx context.Context, v *osmhist.Version) error {
	if err := im.nodes.Feed(v); err != nil {
		return err
	}
	if im.nodes.HasPrevious() {
		if err := im.writeNode(ctx); err != nil {
			return err
		}
	}
	im.nodes.Swap()
	return nil
}

func (im *Importer) flushNodes(ctx context.Context) error {
	if im.nodes.HasPrevious() {
		if err := im.writeNode(ctx); err != nil {
			return err
		}
	}
	im.nodes.Reset()
	return nil
}

// writeNode records and emits the previous slot, using the current slot
// as its successor
func (im *Importer) writeNode(ctx context.Context) error {
	n := im.nodes.Previous()

	var validTo time.Time
	switch {
	case im.nodes.IsSameEntity(tracker.Previous, tracker.Current):
		validTo = im.nodes.Current().Timestamp
	case !n.Visible:
		validTo = n.Timestamp
	}

	if n.Visible || im.opts.RecordInvisibleNodes {
		err := im.opts.Store.Record(n.ID, nodestore.Entry{
			Time:   n.Unix(),
			Lon:    n.Lon,
			Lat:    n.Lat,
			UserID: n.UserID,
		})
		if err != nil {
			return fmt.Errorf("failed to record %s: %w", n, err)
		}
	}

	r := &record.Record{
		Table:     record.TablePoint,
		ID:        n.ID,
		Version:   n.Version,
		Visible:   n.Visible,
		UserID:    n.UserID,
		User:      n.User,
		ValidFrom: n.Timestamp,
		ValidTo:   validTo,
		Tags:      n.Tags,
		SRID:      im.builder.SRID(),
	}

	if n.Visible {
		if im.opts.Script.HasNodeFilter() {
			res, err := im.opts.Script.FilterNode(n.Tags)
			if err != nil {
				return fmt.Errorf("tag transform of %s: %w", n, err)
			}
			if res.Drop {
				im.drop(record.TablePoint)
				return nil
			}
			r.Tags = res.Tags
		}
		if !im.opts.Filters.Points.Match(r.Tags) {
			im.drop(record.TablePoint)
			return nil
		}
		p, err := im.builder.Point(n.Lon, n.Lat)
		if err != nil {
			return fmt.Errorf("failed to project %s: %w", n, err)
		}
		r.Geom = p
	}

	return im.emit(ctx, r)
}

func (im *Importer) way(ctx context.Context, v *osmhist.Version) error {
	if err := im.ways.Feed(v); err != nil {
		return err
	}
	if im.ways.HasCurrent() {
		if err := im.writeWay(ctx); err != nil {
			return err
		}
	}
	im.ways.Swap()
	return nil
}

func (im *Importer) flushWays(ctx context.Context) error {
	if im.ways.HasCurrent() {
		if err := im.writeWay(ctx); err != nil {
			return err
		}
	}
	im.ways.Reset()
	return nil
}

// wayShape is the tag-derived part of a way version
type wayShape struct {
	tags    osm.Tags
	polygon bool
	zOrder  int
	drop    bool
}

func (im *Importer) shape(w *osmhist.Version) (wayShape, error) {
	s := wayShape{tags: w.Tags}
	if im.opts.Script.HasWayFilter() {
		res, err := im.opts.Script.FilterWay(w.Tags)
		if err != nil {
			return s, fmt.Errorf("tag transform of %s: %w", w, err)
		}
		s.tags, s.polygon, s.drop = res.Tags, res.Polygon, res.Drop
	} else {
		s.polygon = im.opts.Classifier.LooksLikePolygon(w.Tags)
	}
	s.zOrder = im.opts.Classifier.ZOrder(s.tags)
	return s, nil
}

// writeWay emits the current slot: the primary record, then one record
// per minor version until the successor (next slot) takes over
func (im *Importer) writeWay(ctx context.Context) error {
	w := im.ways.Current()
	var next, prior *osmhist.Version
	if im.ways.IsSameEntity(tracker.Current, tracker.Next) {
		next = im.ways.Next()
	}
	if im.ways.IsSameEntity(tracker.Previous, tracker.Current) {
		prior = im.ways.Previous()
	}

	if !w.Visible {
		return im.writeDeletedWay(ctx, w, prior, next)
	}

	window := minor.Window{From: w.Unix(), Unbounded: next == nil}
	if next != nil {
		window.To = next.Unix()
	}
	var moments []minor.Moment
	if window.Inverted() {
		im.advisory("Inverted timestamp order, skipping minor versions",
			zap.Int64("way", w.ID), zap.Int("version", w.Version), zap.Int("next_version", next.Version))
	} else {
		moments = im.minor.Times(w.Nodes, window)
	}

	s, err := im.shape(w)
	if err != nil {
		return err
	}
	if s.drop {
		for i := 0; i <= len(moments); i++ {
			im.drop(shapeTable(s.polygon, w.IsClosed()))
		}
		return nil
	}

	var end time.Time
	if next != nil {
		end = next.Timestamp
	}

	validTo := end
	if len(moments) > 0 {
		validTo = unixTime(moments[0].Time)
	}
	base := record.Record{
		ID:        w.ID,
		Version:   w.Version,
		Visible:   true,
		UserID:    w.UserID,
		User:      w.User,
		ValidFrom: w.Timestamp,
		ValidTo:   validTo,
		Tags:      s.tags,
	}
	if err := im.emitWayGeometry(ctx, base, w.Nodes, w.Unix(), s); err != nil {
		return err
	}

	for i, m := range moments {
		r := base
		r.Minor = i + 1
		r.UserID = m.UserID
		r.User = im.users[m.UserID]
		r.ValidFrom = unixTime(m.Time)
		r.ValidTo = end
		if i+1 < len(moments) {
			r.ValidTo = unixTime(moments[i+1].Time)
		}
		if err := im.emitWayGeometry(ctx, r, w.Nodes, m.Time, s); err != nil {
			return err
		}
	}
	return nil
}

// writeDeletedWay emits a deletion into the table the prior version
// went to. A deletion has neither tags nor nodes to classify itself.
func (im *Importer) writeDeletedWay(ctx context.Context, w, prior, next *osmhist.Version) error {
	table := record.TableLine
	if prior != nil && prior.Visible {
		s, err := im.shape(prior)
		if err != nil {
			return err
		}
		table = shapeTable(s.polygon, prior.IsClosed())
	}

	validTo := w.Timestamp
	if next != nil {
		validTo = next.Timestamp
	}
	return im.emit(ctx, &record.Record{
		Table:     table,
		ID:        w.ID,
		Version:   w.Version,
		Visible:   false,
		UserID:    w.UserID,
		User:      w.User,
		ValidFrom: w.Timestamp,
		ValidTo:   validTo,
		Tags:      w.Tags,
		SRID:      im.builder.SRID(),
	})
}

func (im *Importer) emitWayGeometry(ctx context.Context, r record.Record, nodes []int64, asOf int64, s wayShape) error {
	g, err := im.builder.BuildWay(nodes, asOf, s.polygon)
	im.countLookups(r, g)
	if err != nil {
		if errors.Is(err, geom.ErrTooFewCoordinates) || errors.Is(err, geom.ErrInvalidRing) {
			im.geometryFailure(r, asOf, err)
			return nil
		}
		return fmt.Errorf("failed to build way %d v%d.%d: %w", r.ID, r.Version, r.Minor, err)
	}

	r.Geom = g.Orb()
	r.SRID = g.SRID
	if g.Kind == geom.KindPolygon {
		r.Table = record.TablePolygon
		r.Area = g.Area
		r.Interior = g.Interior
		if im.opts.Interior && g.Interior == nil {
			im.advisory("No interior point", zap.Int64("way", r.ID), zap.Int("version", r.Version), zap.Int("minor", r.Minor))
		}
	} else {
		r.Table = record.TableLine
		r.ZOrder = s.zOrder
	}

	if !im.filterFor(r.Table).Match(r.Tags) {
		im.drop(r.Table)
		return nil
	}
	if r.Minor > 0 {
		im.stats.MinorVersions.Add(1)
		if im.opts.Metrics != nil {
			im.opts.Metrics.MinorVersions.Inc()
		}
	}
	return im.emit(ctx, &r)
}

func (im *Importer) emit(ctx context.Context, r *record.Record) error {
	if err := im.emitter.Emit(ctx, r); err != nil {
		return err
	}
	im.stats.countRecord(r.Table)
	if im.opts.Metrics != nil {
		im.opts.Metrics.Records.WithLabelValues(r.Table.String()).Inc()
	}
	return nil
}

func (im *Importer) filterFor(t record.Table) *style.Filter {
	switch t {
	case record.TablePoint:
		return im.opts.Filters.Points
	case record.TableLine:
		return im.opts.Filters.Lines
	default:
		return im.opts.Filters.Polygons
	}
}

func (im *Importer) drop(t record.Table) {
	im.stats.Dropped.Add(1)
	if im.opts.Metrics != nil {
		im.opts.Metrics.Dropped.WithLabelValues(t.String()).Inc()
	}
}

func (im *Importer) countLookups(r record.Record, g *geom.Geometry) {
	if g == nil {
		return
	}
	if g.SoftMisses > 0 {
		im.advisory("Node referenced before its first version",
			zap.Int64("way", r.ID), zap.Int("version", r.Version), zap.Int("minor", r.Minor),
			zap.Int("soft_misses", g.SoftMisses))
	}
	if im.opts.Metrics == nil {
		return
	}
	lookups := im.opts.Metrics.NodeLookups
	lookups.WithLabelValues(nodestore.Found.String()).Add(float64(g.Found))
	lookups.WithLabelValues(nodestore.SoftMiss.String()).Add(float64(g.SoftMisses))
	lookups.WithLabelValues(nodestore.HardMiss.String()).Add(float64(g.HardMisses))
}

func (im *Importer) geometryFailure(r record.Record, asOf int64, err error) {
	im.stats.GeometryFailures.Add(1)
	reason := "too_few_coordinates"
	if errors.Is(err, geom.ErrInvalidRing) {
		reason = "invalid_ring"
	}
	if im.opts.Metrics != nil {
		im.opts.Metrics.GeometryFailures.WithLabelValues(reason).Inc()
	}
	im.advisory("No valid geometry for way",
		zap.Int64("way", r.ID), zap.Int("version", r.Version), zap.Int("minor", r.Minor),
		zap.Time("as_of", unixTime(asOf)), zap.Error(err))
}

// advisory logs conditions that never stop the run. They are only
// worth a warning when store errors were asked for.
func (im *Importer) advisory(msg string, fields ...zap.Field) {
	if im.opts.StoreErrors {
		im.log.Warn(msg, fields...)
		return
	}
	im.log.Debug(msg, fields...)
}

func shapeTable(polygon, closed bool) record.Table {
	if polygon && closed {
		return record.TablePolygon
	}
	return record.TableLine
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
