package sink

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmhistory-go/internal/logger"
	"github.com/wegman-software/osmhistory-go/internal/record"
)

// PostgresOptions configures the PostgreSQL sink
type PostgresOptions struct {
	ConnString string
	Schema     string
	Prefix     string
	SRID       int
	// CreateTables installs postgis and hstore and creates missing tables
	CreateTables bool
	// BeforeSQL and AfterSQL are script files run around the load
	BeforeSQL string
	AfterSQL  string
}

// Postgres loads every table inside its own transaction with TRUNCATE
// followed by a binary COPY
type Postgres struct {
	opts PostgresOptions
	pool *pgxpool.Pool
}

// NewPostgres connects to the database
func NewPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	// one connection per table plus one for scripts
	poolConfig.MaxConns = int32(len(record.Tables) + 1)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	return &Postgres{opts: opts, pool: pool}, nil
}

// Close closes all database connections
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Begin runs the before script and creates missing tables
func (s *Postgres) Begin(ctx context.Context) error {
	if err := s.runScript(ctx, s.opts.BeforeSQL); err != nil {
		return err
	}
	if !s.opts.CreateTables {
		return nil
	}
	return s.ensureSchema(ctx)
}

// Finish runs the after script
func (s *Postgres) Finish(ctx context.Context) error {
	return s.runScript(ctx, s.opts.AfterSQL)
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	for _, ext := range []string{"postgis", "hstore"} {
		if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+ext); err != nil {
			return fmt.Errorf("failed to create %s extension: %w", ext, err)
		}
	}
	if s.opts.Schema != "public" {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+s.opts.Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for _, t := range record.Tables {
		if _, err := s.pool.Exec(ctx, CreateTableSQL(s.opts.Schema, s.opts.Prefix, t, s.opts.SRID)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name(s.opts.Prefix), err)
		}
	}
	return nil
}

func (s *Postgres) runScript(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	sql, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read SQL script: %w", err)
	}
	logger.Get().Info("Running SQL script", zap.String("file", path))
	// simple protocol so the script may hold several statements
	if _, err := s.pool.Exec(ctx, string(sql), pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("failed to run %s: %w", path, err)
	}
	return nil
}

// columnTypes maps output columns to their SQL types
var columnTypes = map[string]string{
	"id":         "BIGINT NOT NULL",
	"version":    "INTEGER NOT NULL",
	"minor":      "INTEGER NOT NULL",
	"visible":    "BOOLEAN NOT NULL",
	"user_id":    "BIGINT",
	"user_name":  "TEXT",
	"valid_from": "TIMESTAMP WITHOUT TIME ZONE NOT NULL",
	"valid_to":   "TIMESTAMP WITHOUT TIME ZONE",
	"tags":       "HSTORE",
	"z_order":    "INTEGER",
	"area":       "DOUBLE PRECISION",
}

// CreateTableSQL returns the CREATE TABLE IF NOT EXISTS statement of t
func CreateTableSQL(schema, prefix string, t record.Table, srid int) string {
	geomType := map[record.Table]string{
		record.TablePoint:   "Point",
		record.TableLine:    "LineString",
		record.TablePolygon: "Polygon",
	}[t]

	cols := t.Columns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		switch c {
		case "geom":
			defs[i] = fmt.Sprintf("geom GEOMETRY(%s, %d)", geomType, srid)
		case "interior":
			defs[i] = fmt.Sprintf("interior GEOMETRY(Point, %d)", srid)
		default:
			defs[i] = c + " " + columnTypes[c]
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (\n\t%s\n)",
		schema, t.Name(prefix), strings.Join(defs, ",\n\t"))
}

// Table starts the transaction of table t, truncates it and streams
// rows into a binary COPY
func (s *Postgres) Table(ctx context.Context, t record.Table) (TableWriter, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if err := registerHstore(ctx, conn.Conn()); err != nil {
		conn.Release()
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	name := s.opts.Schema + "." + t.Name(s.opts.Prefix)
	if _, err := tx.Exec(ctx, "TRUNCATE "+name); err != nil {
		tx.Rollback(ctx)
		conn.Release()
		return nil, fmt.Errorf("failed to truncate %s: %w", name, err)
	}

	w := &pgTable{
		name:  name,
		table: t,
		conn:  conn,
		tx:    tx,
		src:   &rowSource{rows: make(chan []any, copyBuffer)},
		done:  make(chan error, 1),
	}
	go func() {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{s.opts.Schema, t.Name(s.opts.Prefix)},
			t.Columns(),
			w.src)
		w.done <- err
	}()

	logger.Get().Debug("Started table load", zap.String("table", name))
	return w, nil
}

// copyBuffer is the number of rows queued for a running COPY
const copyBuffer = 1024

// registerHstore teaches conn the hstore type, whose OID differs per
// database
func registerHstore(ctx context.Context, conn *pgx.Conn) error {
	if _, ok := conn.TypeMap().TypeForName("hstore"); ok {
		return nil
	}
	var oid uint32
	err := conn.QueryRow(ctx, "SELECT oid FROM pg_type WHERE typname = 'hstore'").Scan(&oid)
	if err != nil {
		return fmt.Errorf("failed to get hstore OID (is the hstore extension installed?): %w", err)
	}
	conn.TypeMap().RegisterType(&pgtype.Type{
		Name:  "hstore",
		OID:   oid,
		Codec: pgtype.HstoreCodec{},
	})
	return nil
}

// rowSource implements pgx.CopyFromSource for rows sent on a channel.
// Closing rows ends the COPY; a non-nil abort fails it.
type rowSource struct {
	rows    chan []any
	current []any
	abort   atomic.Pointer[error]
}

func (r *rowSource) Next() bool {
	if r.abort.Load() != nil {
		return false
	}
	row, ok := <-r.rows
	if !ok {
		return false
	}
	r.current = row
	return true
}

func (r *rowSource) Values() ([]any, error) {
	return r.current, nil
}

func (r *rowSource) Err() error {
	if err := r.abort.Load(); err != nil {
		return *err
	}
	return nil
}

type pgTable struct {
	name  string
	table record.Table
	conn  *pgxpool.Conn
	tx    pgx.Tx
	src   *rowSource
	done  chan error
	// copyErr holds the COPY result once finished
	finished bool
	copyErr  error
	rows     int64
	closed   bool
}

func (w *pgTable) Write(ctx context.Context, r *record.Record) error {
	if w.closed {
		return ErrAborted
	}
	if r.Table != w.table {
		return fmt.Errorf("record %s written to table %s", r, w.table)
	}
	values, err := CopyValues(r)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", r, err)
	}
	select {
	case w.src.rows <- values:
	case err := <-w.done:
		// the COPY ended before its input did
		w.finished, w.copyErr = true, err
		if err == nil {
			err = ErrAborted
		}
		return fmt.Errorf("failed to copy into %s: %w", w.name, err)
	case <-ctx.Done():
		return ctx.Err()
	}
	w.rows++
	return nil
}

// wait returns the COPY result, which Write may already have taken
func (w *pgTable) wait() error {
	if !w.finished {
		w.finished, w.copyErr = true, <-w.done
	}
	return w.copyErr
}

func (w *pgTable) Commit(ctx context.Context) error {
	if w.closed {
		return ErrAborted
	}
	w.closed = true
	defer w.conn.Release()

	close(w.src.rows)
	if err := w.wait(); err != nil {
		w.tx.Rollback(ctx)
		return fmt.Errorf("failed to copy into %s: %w", w.name, err)
	}
	if err := w.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", w.name, err)
	}
	logger.Get().Info("Table committed", zap.String("table", w.name), zap.Int64("rows", w.rows))
	return nil
}

func (w *pgTable) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	aborted := ErrAborted
	w.src.abort.Store(&aborted)
	close(w.src.rows)
	w.wait()
	// the connection may be mid-COPY, use a fresh context
	w.tx.Rollback(context.Background())
	w.conn.Release()
	logger.Get().Warn("Table load rolled back", zap.String("table", w.name))
}

func (w *pgTable) Rows() int64 { return w.rows }

// CopyValues returns the column values of r in Table.Columns order as
// pgx encodes them: tags as hstore, geometries as EWKB and NULL for
// open intervals and missing geometries
func CopyValues(r *record.Record) ([]any, error) {
	cols := r.Table.Columns()
	values := make([]any, len(cols))
	for i, c := range cols {
		switch c {
		case "id":
			values[i] = r.ID
		case "version":
			values[i] = int32(r.Version)
		case "minor":
			values[i] = int32(r.Minor)
		case "visible":
			values[i] = r.Visible
		case "user_id":
			values[i] = r.UserID
		case "user_name":
			values[i] = r.User
		case "valid_from":
			values[i] = r.ValidFrom.UTC()
		case "valid_to":
			if !r.Open() {
				values[i] = r.ValidTo.UTC()
			}
		case "tags":
			values[i] = hstore(r.Tags)
		case "z_order":
			values[i] = int32(r.ZOrder)
		case "area":
			values[i] = r.Area
		case "geom":
			if r.Geom != nil {
				data, err := ewkb.Marshal(r.Geom, r.SRID)
				if err != nil {
					return nil, err
				}
				values[i] = data
			}
		case "interior":
			if r.Interior != nil {
				data, err := ewkb.Marshal(*r.Interior, r.SRID)
				if err != nil {
					return nil, err
				}
				values[i] = data
			}
		default:
			return nil, fmt.Errorf("unknown column %q", c)
		}
	}
	return values, nil
}

func hstore(tags osm.Tags) pgtype.Hstore {
	h := make(pgtype.Hstore, len(tags))
	for _, t := range tags {
		v := t.Value
		h[t.Key] = &v
	}
	return h
}
