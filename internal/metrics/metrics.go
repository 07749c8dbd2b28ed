// Package metrics exposes Prometheus counters and histograms for
// the catalog walker, tick collector, detector, and notifier, and serves
// them over HTTP.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/polyoracle/internal/logger"
)

// Registry holds every metric the service emits.
type Registry struct {
	CatalogWalks         prometheus.Counter
	CatalogWalkDuration  prometheus.Histogram
	CatalogMarketsSeen   *prometheus.CounterVec
	CatalogBreakerTrips  *prometheus.CounterVec

	TickPolls        prometheus.Counter
	TickPollDuration prometheus.Histogram
	TicksAccepted    prometheus.Counter
	TicksFiltered    prometheus.Counter
	UpstreamErrors   *prometheus.CounterVec

	DetectionsEvaluated prometheus.Counter
	AlertsTriggered     prometheus.Counter
	AlertsSuppressed    *prometheus.CounterVec

	NotifyAttempts *prometheus.CounterVec

	StoreOpDuration *prometheus.HistogramVec

	reg *prometheus.Registry
}

// New builds a Registry backed by a fresh, unglobal prometheus.Registry so
// repeated test construction never collides with MustRegister panics.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		CatalogWalks: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyoracle_catalog_walks_total",
			Help: "Total number of catalog walks completed.",
		}),
		CatalogWalkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "polyoracle_catalog_walk_duration_seconds",
			Help:    "Duration of a full catalog walk.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		CatalogMarketsSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyoracle_catalog_markets_seen_total",
			Help: "Markets emitted by the catalog walker, by market type.",
		}, []string{"market_type"}),
		CatalogBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyoracle_catalog_breaker_trips_total",
			Help: "Circuit breaker trips during catalog walks, by endpoint.",
		}, []string{"endpoint"}),

		TickPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyoracle_tick_polls_total",
			Help: "Total number of tick-collector poll rounds.",
		}),
		TickPollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "polyoracle_tick_poll_duration_seconds",
			Help:    "Duration of one tick-collector poll round.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		TicksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyoracle_ticks_accepted_total",
			Help: "Ticks that cleared the acceptance gate and were filtered.",
		}),
		TicksFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyoracle_ticks_raw_only_total",
			Help: "Ticks kept as raw observations only, below the acceptance gate.",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyoracle_upstream_errors_total",
			Help: "Upstream venue client errors, by endpoint.",
		}, []string{"endpoint"}),

		DetectionsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyoracle_detections_evaluated_total",
			Help: "Total number of detector evaluations.",
		}),
		AlertsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "polyoracle_alerts_triggered_total",
			Help: "Total number of alerts successfully delivered.",
		}),
		AlertsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyoracle_alerts_suppressed_total",
			Help: "Alerts suppressed before delivery, by reason.",
		}, []string{"reason"}),

		NotifyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyoracle_notify_attempts_total",
			Help: "Notifier delivery attempts, by outcome.",
		}, []string{"outcome"}),

		StoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polyoracle_store_op_duration_seconds",
			Help:    "Duration of storage operations, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		reg: reg,
	}
	return r
}

// Handler returns the HTTP handler that serves this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics: shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// ObserveStoreOp times a storage operation and records its duration under
// op's label. A nil receiver is a no-op that still runs fn, so callers can
// wire metrics optionally without branching at every call site.
func (r *Registry) ObserveStoreOp(op string, fn func() error) error {
	if r == nil {
		return fn()
	}
	start := time.Now()
	err := fn()
	r.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

// The recording helpers below are all nil-receiver-safe so every pipeline
// component can hold a possibly-nil *Registry (metrics disabled) and call
// them unconditionally.

func (r *Registry) IncCatalogWalk() {
	if r != nil {
		r.CatalogWalks.Inc()
	}
}

func (r *Registry) ObserveCatalogWalkDuration(d time.Duration) {
	if r != nil {
		r.CatalogWalkDuration.Observe(d.Seconds())
	}
}

func (r *Registry) IncCatalogMarketSeen(marketType string) {
	if r != nil {
		r.CatalogMarketsSeen.WithLabelValues(marketType).Inc()
	}
}

func (r *Registry) IncCatalogBreakerTrip(endpoint string) {
	if r != nil {
		r.CatalogBreakerTrips.WithLabelValues(endpoint).Inc()
	}
}

func (r *Registry) IncTickPoll() {
	if r != nil {
		r.TickPolls.Inc()
	}
}

func (r *Registry) ObserveTickPollDuration(d time.Duration) {
	if r != nil {
		r.TickPollDuration.Observe(d.Seconds())
	}
}

func (r *Registry) IncTicksAccepted() {
	if r != nil {
		r.TicksAccepted.Inc()
	}
}

func (r *Registry) IncTicksFiltered() {
	if r != nil {
		r.TicksFiltered.Inc()
	}
}

func (r *Registry) IncUpstreamError(endpoint string) {
	if r != nil {
		r.UpstreamErrors.WithLabelValues(endpoint).Inc()
	}
}

func (r *Registry) IncDetectionsEvaluated() {
	if r != nil {
		r.DetectionsEvaluated.Inc()
	}
}

func (r *Registry) IncAlertsTriggered() {
	if r != nil {
		r.AlertsTriggered.Inc()
	}
}

func (r *Registry) IncAlertsSuppressed(reason string) {
	if r != nil {
		r.AlertsSuppressed.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) IncNotifyAttempt(outcome string) {
	if r != nil {
		r.NotifyAttempts.WithLabelValues(outcome).Inc()
	}
}
