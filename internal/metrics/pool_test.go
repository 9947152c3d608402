package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolCollector(t *testing.T) {
	snapshot := poolSnapshot{
		Acquired:         2,
		Idle:             3,
		Constructing:     1,
		Max:              8,
		Acquires:         40,
		EmptyAcquires:    5,
		CanceledAcquires: 1,
		AcquireWait:      1500 * time.Millisecond,
	}
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(newPoolCollector(func() poolSnapshot { return snapshot }))

	expected := `
# HELP flagdoc_db_pool_acquire_wait_seconds_total Total time spent waiting for document pool connections.
# TYPE flagdoc_db_pool_acquire_wait_seconds_total counter
flagdoc_db_pool_acquire_wait_seconds_total 1.5
# HELP flagdoc_db_pool_acquires_total Successful connection acquires from the document pool.
# TYPE flagdoc_db_pool_acquires_total counter
flagdoc_db_pool_acquires_total 40
# HELP flagdoc_db_pool_canceled_acquires_total Acquires abandoned because their context ended.
# TYPE flagdoc_db_pool_canceled_acquires_total counter
flagdoc_db_pool_canceled_acquires_total 1
# HELP flagdoc_db_pool_connections Database connections in the document pool by state.
# TYPE flagdoc_db_pool_connections gauge
flagdoc_db_pool_connections{state="acquired"} 2
flagdoc_db_pool_connections{state="constructing"} 1
flagdoc_db_pool_connections{state="idle"} 3
# HELP flagdoc_db_pool_empty_acquires_total Acquires that had to wait because no idle connection was available.
# TYPE flagdoc_db_pool_empty_acquires_total counter
flagdoc_db_pool_empty_acquires_total 5
# HELP flagdoc_db_pool_max_connections Maximum size of the document pool.
# TYPE flagdoc_db_pool_max_connections gauge
flagdoc_db_pool_max_connections 8
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected metrics output:\n%v", err)
	}
}

func TestPoolCollectorReadsOnEveryScrape(t *testing.T) {
	var acquires int64
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(newPoolCollector(func() poolSnapshot {
		acquires += 10
		return poolSnapshot{Acquires: acquires}
	}))

	for _, want := range []int64{10, 20} {
		expected := fmt.Sprintf(`
# HELP flagdoc_db_pool_acquires_total Successful connection acquires from the document pool.
# TYPE flagdoc_db_pool_acquires_total counter
flagdoc_db_pool_acquires_total %d
`, want)
		if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "flagdoc_db_pool_acquires_total"); err != nil {
			t.Fatalf("scrape with %d acquires:\n%v", want, err)
		}
	}
}

func TestRegisterPoolMetricsUnconnectedPool(t *testing.T) {
	// pgxpool connects lazily, so no database is needed.
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("pgxpool.New() error = %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	expected := fmt.Sprintf(`
# HELP flagdoc_db_pool_max_connections Maximum size of the document pool.
# TYPE flagdoc_db_pool_max_connections gauge
flagdoc_db_pool_max_connections %d
`, pool.Stat().MaxConns())
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "flagdoc_db_pool_max_connections"); err != nil {
		t.Fatalf("unexpected metrics output:\n%v", err)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 8 {
		t.Fatalf("GatherAndCount() = %d, %v, want 8 series", n, err)
	}
}
