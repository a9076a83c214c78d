package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ImportMetrics are the counters of one import run. They live on a
// private registry so tests and repeated runs do not collide.
type ImportMetrics struct {
	Registry *prometheus.Registry

	// Entities counts input versions by type
	Entities *prometheus.CounterVec
	// Records counts written rows by table
	Records *prometheus.CounterVec
	// NodeLookups counts point-in-time lookups by result
	NodeLookups *prometheus.CounterVec
	// GeometryFailures counts skipped geometries by reason
	GeometryFailures *prometheus.CounterVec
	// MinorVersions counts synthesized way versions
	MinorVersions prometheus.Counter
	// Dropped counts versions removed by filters or the tag transform
	Dropped *prometheus.CounterVec

	// ResidentBytes is the sampled process RSS
	ResidentBytes prometheus.Gauge
	// FreeBytes is the sampled free space by watched directory
	FreeBytes *prometheus.GaugeVec
}

// NewImportMetrics registers the import counters on a new registry
func NewImportMetrics() *ImportMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &ImportMetrics{
		Registry: reg,
		Entities: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osmhistory_entities_total",
			Help: "Input entity versions by type",
		}, []string{"type"}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osmhistory_records_total",
			Help: "Output records by table",
		}, []string{"table"}),
		NodeLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osmhistory_node_lookups_total",
			Help: "Node coordinate lookups by result",
		}, []string{"result"}),
		GeometryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osmhistory_geometry_failures_total",
			Help: "Way geometries that could not be built, by reason",
		}, []string{"reason"}),
		MinorVersions: factory.NewCounter(prometheus.CounterOpts{
			Name: "osmhistory_minor_versions_total",
			Help: "Way versions synthesized from node movements",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osmhistory_dropped_total",
			Help: "Versions not written because of filters or the tag transform",
		}, []string{"table"}),
		ResidentBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osmhistory_resident_bytes",
			Help: "Resident memory of the importer process",
		}),
		FreeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osmhistory_free_bytes",
			Help: "Free space of the node store and output directories",
		}, []string{"dir"}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *ImportMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *ImportMetrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
