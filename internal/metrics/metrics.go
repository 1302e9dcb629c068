// Package metrics exposes recorder metrics in the Prometheus format.
//
// Metrics implements the packet observer of the category handlers and the
// commit observer of the configuration processors, so every session of the
// process reports into one registry.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/packet"
)

var log = logging.Component("metrics")

const namespace = "telrec"

// Metrics holds the recorder metrics.
type Metrics struct {
	registry *prometheus.Registry

	PacketsWritten  *prometheus.CounterVec
	PacketsDeferred *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	WriteFailures   *prometheus.CounterVec

	Commits        *prometheus.CounterVec
	CommitItems    *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec

	mu     sync.Mutex
	gauges map[string]prometheus.Collector
}

// New creates the metrics and registers them with a fresh registry that
// also carries the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Collector),

		PacketsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "written_total",
				Help:      "Packets mapped and written to the store",
			},
			[]string{"kind"},
		),
		PacketsDeferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "deferred_total",
				Help:      "Packets parked until their identifiers are configured",
			},
			[]string{"kind"},
		),
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "dropped_total",
				Help:      "Packets dropped, by reason",
			},
			[]string{"kind", "reason"},
		),
		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "write_failures_total",
				Help:      "Sample writes that failed and left the packet pending",
			},
			[]string{"kind"},
		),
		Commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "config",
				Name:      "commits_total",
				Help:      "Configuration commits, by outcome",
			},
			[]string{"category", "status"},
		),
		CommitItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "config",
				Name:      "committed_items_total",
				Help:      "Identifiers covered by successful configuration commits",
			},
			[]string{"category"},
		),
		CommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "config",
				Name:      "commit_duration_seconds",
				Help:      "Configuration commit duration including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
	}

	m.registry.MustRegister(
		m.PacketsWritten,
		m.PacketsDeferred,
		m.PacketsDropped,
		m.WriteFailures,
		m.Commits,
		m.CommitItems,
		m.CommitDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PacketWritten(kind packet.Kind) {
	m.PacketsWritten.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) PacketDeferred(kind packet.Kind) {
	m.PacketsDeferred.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) PacketDropped(kind packet.Kind, reason string) {
	m.PacketsDropped.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) WriteFailed(kind packet.Kind) {
	m.WriteFailures.WithLabelValues(kind.String()).Inc()
}

// CommitDone records one configuration commit.
func (m *Metrics) CommitDone(category string, items int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	} else {
		m.CommitItems.WithLabelValues(category).Add(float64(items))
	}
	m.Commits.WithLabelValues(category, status).Inc()
	m.CommitDuration.WithLabelValues(category).Observe(d.Seconds())
}

// RegisterGauge registers a gauge whose value is read from fn at scrape
// time.
func (m *Metrics) RegisterGauge(subsystem, name, help string, fn func() float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subsystem + "_" + name
	if _, ok := m.gauges[key]; ok {
		return errors.NewAlreadyExists("gauge", key)
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.registry.Register(g); err != nil {
		return errors.Wrapf(err, "register gauge %s", key)
	}
	m.gauges[key] = g
	return nil
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Serve serves the metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
