package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes pool metrics when none is given.
const DefaultNamespace = "freightdesk"

// PoolStatsCollector exports pgxpool statistics. It reads pool.Stat() on
// every scrape.
type PoolStatsCollector struct {
	pool *pgxpool.Pool

	totalConns      *prometheus.Desc
	idleConns       *prometheus.Desc
	acquiredConns   *prometheus.Desc
	maxConns        *prometheus.Desc
	acquiresTotal   *prometheus.Desc
	emptyAcquires   *prometheus.Desc
	canceledAcquire *prometheus.Desc
	acquireSeconds  *prometheus.Desc
}

// NewPoolStatsCollector creates a collector for pool. The component label
// distinguishes the CLI from the service when both report.
func NewPoolStatsCollector(pool *pgxpool.Pool, namespace, component string) *PoolStatsCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := prometheus.Labels{"component": component}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, labels)
	}

	return &PoolStatsCollector{
		pool:            pool,
		totalConns:      desc("total_conns", "Total number of connections currently open in the pool"),
		idleConns:       desc("idle_conns", "Number of idle connections in the pool"),
		acquiredConns:   desc("acquired_conns", "Number of connections currently acquired from the pool"),
		maxConns:        desc("max_conns", "Maximum number of connections allowed in the pool"),
		acquiresTotal:   desc("acquires_total", "Cumulative successful acquires from the pool"),
		emptyAcquires:   desc("empty_acquires_total", "Cumulative acquires that waited because the pool was empty"),
		canceledAcquire: desc("canceled_acquires_total", "Cumulative acquires canceled by their context"),
		acquireSeconds:  desc("acquire_seconds_total", "Cumulative time spent acquiring connections"),
	}
}

func (c *PoolStatsCollector) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		c.totalConns, c.idleConns, c.acquiredConns, c.maxConns,
		c.acquiresTotal, c.emptyAcquires, c.canceledAcquire, c.acquireSeconds,
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

// Collect implements prometheus.Collector. A nil pool yields nothing.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	s := c.pool.Stat()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.totalConns, float64(s.TotalConns()))
	gauge(c.idleConns, float64(s.IdleConns()))
	gauge(c.acquiredConns, float64(s.AcquiredConns()))
	gauge(c.maxConns, float64(s.MaxConns()))
	counter(c.acquiresTotal, float64(s.AcquireCount()))
	counter(c.emptyAcquires, float64(s.EmptyAcquireCount()))
	counter(c.canceledAcquire, float64(s.CanceledAcquireCount()))
	counter(c.acquireSeconds, s.AcquireDuration().Seconds())
}

// RegisterPoolStatsCollector registers a collector for pool with reg, or the
// default registerer when reg is nil. Registering twice is not an error.
func RegisterPoolStatsCollector(pool *pgxpool.Pool, component string, reg prometheus.Registerer) (*PoolStatsCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collector := NewPoolStatsCollector(pool, DefaultNamespace, component)
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
	}
	return collector, nil
}
