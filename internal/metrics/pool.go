package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolSnapshot is the subset of pgxpool.Stat exported on /metrics.
type poolSnapshot struct {
	Acquired         int32
	Idle             int32
	Constructing     int32
	Max              int32
	Acquires         int64
	EmptyAcquires    int64
	CanceledAcquires int64
	AcquireWait      time.Duration
}

func snapshotPool(pool *pgxpool.Pool) func() poolSnapshot {
	return func() poolSnapshot {
		stat := pool.Stat()
		return poolSnapshot{
			Acquired:         stat.AcquiredConns(),
			Idle:             stat.IdleConns(),
			Constructing:     stat.ConstructingConns(),
			Max:              stat.MaxConns(),
			Acquires:         stat.AcquireCount(),
			EmptyAcquires:    stat.EmptyAcquireCount(),
			CanceledAcquires: stat.CanceledAcquireCount(),
			AcquireWait:      stat.AcquireDuration(),
		}
	}
}

type poolCollector struct {
	snapshot func() poolSnapshot

	conns           *prometheus.Desc
	maxConns        *prometheus.Desc
	acquires        *prometheus.Desc
	emptyAcquires   *prometheus.Desc
	canceledAcquire *prometheus.Desc
	acquireWait     *prometheus.Desc
}

// RegisterPoolMetrics exports the document pool's connection statistics,
// read fresh on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(snapshotPool(pool)))
}

func newPoolCollector(snapshot func() poolSnapshot) *poolCollector {
	return &poolCollector{
		snapshot: snapshot,
		conns: prometheus.NewDesc(
			"flagdoc_db_pool_connections",
			"Database connections in the document pool by state.",
			[]string{"state"}, nil,
		),
		maxConns: prometheus.NewDesc(
			"flagdoc_db_pool_max_connections",
			"Maximum size of the document pool.",
			nil, nil,
		),
		acquires: prometheus.NewDesc(
			"flagdoc_db_pool_acquires_total",
			"Successful connection acquires from the document pool.",
			nil, nil,
		),
		emptyAcquires: prometheus.NewDesc(
			"flagdoc_db_pool_empty_acquires_total",
			"Acquires that had to wait because no idle connection was available.",
			nil, nil,
		),
		canceledAcquire: prometheus.NewDesc(
			"flagdoc_db_pool_canceled_acquires_total",
			"Acquires abandoned because their context ended.",
			nil, nil,
		),
		acquireWait: prometheus.NewDesc(
			"flagdoc_db_pool_acquire_wait_seconds_total",
			"Total time spent waiting for document pool connections.",
			nil, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.maxConns
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceledAcquire
	ch <- c.acquireWait
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Acquired), "acquired")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Constructing), "constructing")
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.canceledAcquire, prometheus.CounterValue, float64(s.CanceledAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
