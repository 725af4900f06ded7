package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/media-director/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Volume allocation metrics
	VolumeSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_volume_selections_total",
		Help: "Volumes handed out for append, by the strategy that found them",
	}, []string{"pool", "strategy"})

	VolumeSelectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_volume_selection_failures_total",
		Help: "Volume selections that found no usable volume",
	}, []string{"pool", "reason"})

	VolumeSelectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "md_volume_selection_duration_seconds",
		Help:    "Time spent selecting a volume while holding the catalog lock",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"pool"})

	VolumesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_volumes_created_total",
		Help: "Volumes created from the pool label format",
	}, []string{"pool"})

	VolumesRecycled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_volumes_recycled_total",
		Help: "Volumes reset for reuse",
	}, []string{"pool"})

	VolumesPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_volumes_purged_total",
		Help: "Volumes marked Purged",
	}, []string{"pool"})

	ScratchBorrows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_scratch_borrows_total",
		Help: "Volumes moved from the scratch pool",
	}, []string{"pool"})

	// Prune metrics
	PrunedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_pruned_records_total",
		Help: "Catalog records removed by pruning or purging",
	}, []string{"kind"})

	PruneCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "md_prune_cycle_duration_seconds",
		Help:    "Duration of a periodic auto-prune pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	})

	// Label metrics
	LabelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_label_requests_total",
		Help: "Label and relabel requests sent to storage daemons",
	}, []string{"protocol", "result"})

	// Catalog request channel metrics
	CatalogRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_catalog_requests_total",
		Help: "Catalog requests from storage daemons, by request and reply code",
	}, []string{"request", "code"})

	// Read path metrics
	BlocksRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_blocks_read_total",
		Help: "Blocks read from devices",
	}, []string{"device"})

	RecordsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_records_read_total",
		Help: "Records delivered to read callbacks",
	}, []string{"device"})

	ReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_read_errors_total",
		Help: "Device read errors by kind",
	}, []string{"device", "kind"})

	VolumeMounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "md_volume_mounts_total",
		Help: "Volumes mounted by the read path",
	}, []string{"device"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
