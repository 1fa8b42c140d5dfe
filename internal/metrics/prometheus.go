package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/baas-go/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realtime connection metrics
	RealtimeFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baas_realtime_frames_sent_total",
		Help: "Frames written to realtime sockets, heartbeats included",
	})

	RealtimeFramesBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "baas_realtime_frames_buffered",
		Help: "Frames accepted by Send and not yet written",
	})

	RealtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baas_realtime_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after a transport failure",
	})

	RealtimeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_realtime_errors_total",
		Help: "Realtime transport errors by severity",
	}, []string{"severity"})

	RealtimeOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baas_realtime_opens_total",
		Help: "Successful socket opens",
	})

	// Live query metrics
	LiveQueryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_livequery_events_total",
		Help: "Live query notifications received by op",
	}, []string{"op"})

	LiveQueryDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baas_livequery_dropped_frames_total",
		Help: "Inbound frames dropped because they could not be decoded",
	})

	LiveQuerySubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "baas_livequery_subscriptions",
		Help: "Active live query subscriptions",
	})

	// Relay metrics
	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_relay_published_total",
		Help: "Live query events published to NATS",
	}, []string{"class", "op"})

	RelayPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_relay_publish_errors_total",
		Help: "NATS publish failures",
	}, []string{"class"})

	// NATS metrics
	NATSConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "baas_nats_connected",
		Help: "1 while the named NATS connection is up",
	}, []string{"name"})

	NATSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_nats_reconnects_total",
		Help: "NATS reconnects by connection name",
	}, []string{"name"})

	// Archive metrics
	ArchiveBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_archive_batches_total",
		Help: "Event batches uploaded to S3",
	}, []string{"class"})

	ArchiveUploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "baas_archive_upload_duration_seconds",
		Help:    "S3 upload latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"class"})

	ArchiveUploadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baas_archive_upload_errors_total",
		Help: "S3 upload failures",
	}, []string{"class"})
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
