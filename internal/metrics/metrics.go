// Package metrics exposes Prometheus counters for migration runs. A run is a
// short-lived process, so the registry is written to a node_exporter textfile
// instead of being scraped.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/reconcile"
)

// Metrics holds the migration collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	statementsTotal   *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	rebuildsTotal     *prometheus.CounterVec
	rebuildDuration   prometheus.Histogram
	enumWritesTotal   prometheus.Counter
	changesTotal      *prometheus.CounterVec
	reconcileTotal    *prometheus.CounterVec
	lastRun           prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		statementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlite3schema_statements_total",
			Help: "Statements dispatched by verb and result",
		}, []string{"verb", "result"}), // result: ok|error
		statementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlite3schema_statement_duration_seconds",
			Help:    "Statement latency by verb",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"verb"}),
		rebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlite3schema_rebuilds_total",
			Help: "Table rebuilds by result",
		}, []string{"result"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlite3schema_rebuild_duration_seconds",
			Help:    "Duration of table rebuilds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		enumWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlite3schema_enum_writes_total",
			Help: "Writes to the enumerated value side table",
		}),
		changesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlite3schema_changes_total",
			Help: "Schema changes applied by kind",
		}, []string{"kind"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlite3schema_reconciliations_total",
			Help: "Table reconciliations by result",
		}, []string{"result"}), // result: unchanged|changed|failed
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sqlite3schema_last_run_timestamp_seconds",
			Help: "Unix time the last migration run finished",
		}),
	}
	m.registry.MustRegister(
		m.statementsTotal,
		m.statementDuration,
		m.rebuildsTotal,
		m.rebuildDuration,
		m.enumWritesTotal,
		m.changesTotal,
		m.reconcileTotal,
		m.lastRun,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Statement records one dispatched statement.
func (m *Metrics) Statement(sql string, d time.Duration, err error) {
	verb := Verb(sql)
	m.statementsTotal.WithLabelValues(verb, result(err)).Inc()
	m.statementDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// Rebuild records one table rebuild.
func (m *Metrics) Rebuild(_ string, d time.Duration, err error) {
	m.rebuildsTotal.WithLabelValues(result(err)).Inc()
	m.rebuildDuration.Observe(d.Seconds())
}

// EnumWrite records one write to the enum side table.
func (m *Metrics) EnumWrite(string) {
	m.enumWritesTotal.Inc()
}

// ObserveReconcile records the outcome of one table reconciliation.
func (m *Metrics) ObserveReconcile(_ string, changes []reconcile.Change, _ time.Duration, err error) {
	switch {
	case err != nil:
		m.reconcileTotal.WithLabelValues("failed").Inc()
	case len(changes) == 0:
		m.reconcileTotal.WithLabelValues("unchanged").Inc()
	default:
		m.reconcileTotal.WithLabelValues("changed").Inc()
	}
	for _, c := range changes {
		m.changesTotal.WithLabelValues(string(c.Kind)).Inc()
	}
}

// Finish stamps the end of the run.
func (m *Metrics) Finish(t time.Time) {
	m.lastRun.Set(float64(t.Unix()))
}

// WriteTextfile writes the registry in the text exposition format to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.NewIO("write metrics", path, err)
	}
	return nil
}

// Verb returns the leading keyword of a statement, upper-cased. Statements
// that start with a comment or nothing at all report "OTHER".
func Verb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "--") || strings.HasPrefix(fields[0], "/*") {
		return "OTHER"
	}
	v := strings.ToUpper(strings.TrimRight(fields[0], ";("))
	if _, err := strconv.Atoi(v); err == nil || v == "" {
		return "OTHER"
	}
	return v
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
