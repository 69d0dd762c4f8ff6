// Package metrics exports archive activity in Prometheus format. Counters
// are fed from the event bus; stored totals are read from the store on each
// scrape.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/queue"
	"github.com/matheus3301/thistory/internal/registry"
	"github.com/matheus3301/thistory/internal/status"
	intsync "github.com/matheus3301/thistory/internal/sync"
	"github.com/matheus3301/thistory/internal/tombstone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "thistory"

// Counts is the store view read on scrape.
type Counts interface {
	CountConversationsByStatus(ctx context.Context) (map[archive.Status]int64, error)
	CountMessages(ctx context.Context) (int64, error)
}

// Collector owns the metrics registry.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	pages         *prometheus.CounterVec
	messages      *prometheus.CounterVec
	tombstones    prometheus.Counter
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	statusChanges *prometheus.CounterVec
	daemonState   *prometheus.GaugeVec
}

// New creates a collector. counts may be nil.
func New(counts Counts, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	c.pages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pages_total",
			Help:      "Message pages stored, by depth policy",
		},
		[]string{"depth"},
	)
	c.messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Message writes, by result",
		},
		[]string{"result"},
	)
	c.tombstones = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tombstones_total",
			Help:      "Messages marked removed by full passes",
		},
	)
	c.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Job attempts, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	c.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Handler run time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)
	c.statusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "status_changes_total",
			Help:      "Conversation status transitions, by target status",
		},
		[]string{"to"},
	)
	c.daemonState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemon_state",
			Help:      "1 for the current daemon state",
		},
		[]string{"state"},
	)

	c.registry.MustRegister(
		c.pages, c.messages, c.tombstones, c.jobs, c.jobDuration, c.statusChanges, c.daemonState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if counts != nil {
		c.registry.MustRegister(&storeCollector{counts: counts, logger: logger})
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run consumes bus events until ctx is done and exports the bus's drop count.
func (c *Collector) Run(ctx context.Context, b *bus.Bus) {
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_events_total",
		Help:      "Events lost to full subscriber buffers.",
	}, func() float64 { return float64(b.Dropped()) })
	if err := c.registry.Register(dropped); err != nil {
		c.logger.Warn("bus drop counter not registered", zap.Error(err))
	}

	ch, unsub := b.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			c.Observe(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Observe updates the metrics from one event.
func (c *Collector) Observe(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case intsync.PageStored:
		c.pages.WithLabelValues(p.Depth).Inc()
		c.messages.WithLabelValues(string(archive.Inserted)).Add(float64(p.Inserted))
		c.messages.WithLabelValues(string(archive.Updated)).Add(float64(p.Updated))
		c.messages.WithLabelValues(string(archive.Unchanged)).Add(float64(p.Unchanged))
	case tombstone.Result:
		c.tombstones.Add(float64(len(p.Removed)))
	case queue.JobEvent:
		c.jobs.WithLabelValues(p.Kind, outcome(evt.Kind)).Inc()
		c.jobDuration.WithLabelValues(p.Kind).Observe(p.Elapsed.Seconds())
	case registry.StatusChange:
		c.statusChanges.WithLabelValues(string(p.To)).Inc()
	case status.StatusChange:
		c.daemonState.Reset()
		c.daemonState.WithLabelValues(string(p.To)).Set(1)
	}
}

func outcome(kind string) string {
	switch kind {
	case bus.JobCompleted:
		return "completed"
	case bus.JobRetried:
		return "retried"
	default:
		return "failed"
	}
}

// Server serves /metrics on addr.
func Server(addr string, c *Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
