package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"newsflow/internal/provider"
	"newsflow/internal/queue"
)

const scrapeTimeout = 5 * time.Second

// stateCollector reads queue depths and provider health at scrape time, so
// the exported values always match what the store and router report.
type stateCollector struct {
	repo   queue.Repository
	router *provider.Router

	up          *prometheus.Desc
	depth       *prometheus.Desc
	circuitOpen *prometheus.Desc
	failures    *prometheus.Desc
	latency     *prometheus.Desc
	calls       *prometheus.Desc
}

func newStateCollector(repo queue.Repository, router *provider.Router) *stateCollector {
	return &stateCollector{
		repo:        repo,
		router:      router,
		up:          prometheus.NewDesc("newsflow_up", "Whether the service is serving.", nil, nil),
		depth:       prometheus.NewDesc("newsflow_queue_depth", "Queued plus running jobs per queue.", []string{"queue"}, nil),
		circuitOpen: prometheus.NewDesc("newsflow_provider_circuit_open", "1 while the provider circuit is open.", []string{"provider"}, nil),
		failures:    prometheus.NewDesc("newsflow_provider_consecutive_failures", "Consecutive failed provider calls.", []string{"provider"}, nil),
		latency:     prometheus.NewDesc("newsflow_provider_latency_ms", "Rolling provider latency estimate.", []string{"provider"}, nil),
		calls:       prometheus.NewDesc("newsflow_provider_calls_total", "Provider calls made.", []string{"provider"}, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.depth
	ch <- c.circuitOpen
	ch <- c.failures
	ch <- c.latency
	ch <- c.calls
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	depths, err := c.repo.QueueDepths(ctx)
	if err != nil {
		log.Error().Err(err).Msg("metrics: queue depths")
	}
	for q, n := range depths {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), q)
	}

	if c.router == nil {
		return
	}
	snap, err := c.router.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("metrics: provider health")
		return
	}
	for name, h := range snap {
		open := 0.0
		if h.CircuitOpen {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.circuitOpen, prometheus.GaugeValue, open, name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(h.ConsecutiveFailures), name)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, h.LatencyMSP50, name)
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(h.Calls), name)
	}
}

// metricsHandler serves a per-server registry; the global one would reject a
// second server in the same process.
func metricsHandler(deps Deps) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newStateCollector(deps.Repo, deps.Router),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
