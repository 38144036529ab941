package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatcherCollector exports dispatcher and connection pool state as
// Prometheus gauges. Values are read at scrape time.
//
// Example:
//
//	client := httpclient.New(httpclient.WithServiceName("payment-service"))
//	prometheus.MustRegister(httpclient.NewDispatcherCollector(client.Dispatcher(),
//	    httpclient.WithCollectorPool(client.Pool()),
//	    httpclient.WithCollectorLabels(prometheus.Labels{"client": "payment-service"}),
//	))
type DispatcherCollector struct {
	dispatcher *Dispatcher
	pool       *NetPool

	running    *prometheus.Desc
	queued     *prometheus.Desc
	maxCalls   *prometheus.Desc
	maxPerHost *prometheus.Desc
	idleConns  *prometheus.Desc
	activeConn *prometheus.Desc
	dialed     *prometheus.Desc
	reused     *prometheus.Desc
}

// CollectorOption configures a DispatcherCollector.
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace string
	labels    prometheus.Labels
	pool      ConnectionPool
}

// WithCollectorNamespace sets the metric namespace. Default: "httpclient".
func WithCollectorNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) {
		c.namespace = ns
	}
}

// WithCollectorLabels adds constant labels to every exported metric.
func WithCollectorLabels(labels prometheus.Labels) CollectorOption {
	return func(c *collectorConfig) {
		c.labels = labels
	}
}

// WithCollectorPool also exports the statistics of pool. Only *NetPool
// reports statistics; other pools are ignored.
func WithCollectorPool(pool ConnectionPool) CollectorOption {
	return func(c *collectorConfig) {
		c.pool = pool
	}
}

// NewDispatcherCollector returns a collector for d.
func NewDispatcherCollector(d *Dispatcher, opts ...CollectorOption) *DispatcherCollector {
	cfg := &collectorConfig{namespace: "httpclient"}
	for _, opt := range opts {
		opt(cfg)
	}

	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(cfg.namespace, subsystem, name), help, nil, cfg.labels)
	}

	c := &DispatcherCollector{
		dispatcher: d,
		running:    desc("dispatcher", "running_calls", "Number of calls currently running."),
		queued:     desc("dispatcher", "queued_calls", "Number of calls waiting for a free slot."),
		maxCalls:   desc("dispatcher", "max_calls", "Maximum number of concurrent asynchronous calls."),
		maxPerHost: desc("dispatcher", "max_calls_per_host", "Maximum number of concurrent calls per host."),
		idleConns:  desc("pool", "idle_connections", "Number of idle connections kept for reuse."),
		activeConn: desc("pool", "active_connections", "Number of connections currently handed out."),
		dialed:     desc("pool", "dialed_connections_total", "Connections opened since the pool was created."),
		reused:     desc("pool", "reused_connections_total", "Acquisitions served by an idle connection."),
	}
	if p, ok := cfg.pool.(*NetPool); ok {
		c.pool = p
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *DispatcherCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.queued
	ch <- c.maxCalls
	ch <- c.maxPerHost
	if c.pool != nil {
		ch <- c.idleConns
		ch <- c.activeConn
		ch <- c.dialed
		ch <- c.reused
	}
}

// Collect implements prometheus.Collector.
func (c *DispatcherCollector) Collect(ch chan<- prometheus.Metric) {
	d := c.dispatcher
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(d.RunningCallsCount()))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(d.QueuedCallsCount()))
	ch <- prometheus.MustNewConstMetric(c.maxCalls, prometheus.GaugeValue, float64(d.MaxConcurrentCalls()))
	ch <- prometheus.MustNewConstMetric(c.maxPerHost, prometheus.GaugeValue, float64(d.MaxConcurrentCallsPerHost()))

	if c.pool == nil {
		return
	}
	stats := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns))
	ch <- prometheus.MustNewConstMetric(c.activeConn, prometheus.GaugeValue, float64(stats.ActiveConns))
	ch <- prometheus.MustNewConstMetric(c.dialed, prometheus.CounterValue, float64(stats.Dialed))
	ch <- prometheus.MustNewConstMetric(c.reused, prometheus.CounterValue, float64(stats.Reused))
}
