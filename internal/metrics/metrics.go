// Package metrics owns the Prometheus collectors exported on /metrics.
//
// A nil *Collectors is valid and records nothing, so components can be
// constructed in tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "eventbot"

type Collectors struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	lastSuccess  *prometheus.GaugeVec
	scraped      prometheus.Gauge
	synced       *prometheus.CounterVec
	sends        *prometheus.CounterVec
	sendLatency  prometheus.Histogram
	confirmed    prometheus.Counter
	activeEvents prometheus.Gauge
	subscribers  prometheus.Gauge
}

// New creates the collectors and registers them (plus the Go and process
// collectors) on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Tracker runs by kind and result",
		}, []string{"kind", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of tracker runs",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful run",
		}, []string{"kind"}),
		scraped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scraped_events",
			Help:      "Candidates returned by the last successful scrape",
		}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_synced_total",
			Help:      "Events created, updated or deactivated by synchronization",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing event messages by kind and result",
		}, []string{"kind", "result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of single outgoing sends including rate limit waits",
			Buckets:   prometheus.DefBuckets,
		}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Deliveries confirmed by subscribers",
		}),
		activeEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_events",
			Help:      "Active events after the last scan",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Known subscribers",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			c.runs, c.runDuration, c.lastSuccess, c.scraped, c.synced,
			c.sends, c.sendLatency, c.confirmed, c.activeEvents, c.subscribers,
		)
	}
	return c
}

// ObserveRun records a finished scan or countdown.
func (c *Collectors) ObserveRun(kind string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.runs.WithLabelValues(kind, result).Inc()
	c.runDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err == nil {
		c.lastSuccess.WithLabelValues(kind).SetToCurrentTime()
	}
}

func (c *Collectors) ObserveScrape(n int) {
	if c == nil {
		return
	}
	c.scraped.Set(float64(n))
}

func (c *Collectors) ObserveSync(created, updated int, deactivated int64) {
	if c == nil {
		return
	}
	c.synced.WithLabelValues("created").Add(float64(created))
	c.synced.WithLabelValues("updated").Add(float64(updated))
	c.synced.WithLabelValues("deactivated").Add(float64(deactivated))
}

// ObserveSend records one send attempt; kind is "new" or "reminder".
func (c *Collectors) ObserveSend(kind string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.sends.WithLabelValues(kind, result).Inc()
	c.sendLatency.Observe(d.Seconds())
}

func (c *Collectors) ObserveConfirmation() {
	if c == nil {
		return
	}
	c.confirmed.Inc()
}

// SetInventory updates the store-derived gauges.
func (c *Collectors) SetInventory(activeEvents, subscribers int64) {
	if c == nil {
		return
	}
	c.activeEvents.Set(float64(activeEvents))
	c.subscribers.Set(float64(subscribers))
}
