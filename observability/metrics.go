package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors. Each instance owns its registry so
// tests and embedded pipelines do not collide on global registration.
type Metrics struct {
	reg *prometheus.Registry

	Documents    *prometheus.CounterVec   // result: ok, error
	Sections     *prometheus.CounterVec   // mode: outline, pattern, fallback
	Images       *prometheus.CounterVec   // outcome: stored, duplicate, small, failed
	Skipped      *prometheus.CounterVec   // kind: image, table
	Articles     *prometheus.CounterVec   // op: deleted, inserted, renamed
	RunDuration  *prometheus.HistogramVec // stage: extract, import
	SQLDurations *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbingest_documents_total",
			Help: "Documents processed by result.",
		}, []string{"result"}),
		Sections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbingest_sections_total",
			Help: "Sections produced by segmentation mode.",
		}, []string{"mode"}),
		Images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbingest_images_total",
			Help: "Embedded images seen, by outcome.",
		}, []string{"outcome"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbingest_skipped_elements_total",
			Help: "Elements skipped after a local extraction failure.",
		}, []string{"kind"}),
		Articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbingest_articles_total",
			Help: "Article writes by operation.",
		}, []string{"op"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kbingest_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		SQLDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kbingest_sql_duration_seconds",
			Help:    "Duration of traced SQL statements and transactions.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"table", "verb"}),
	}
	m.reg.MustRegister(m.Documents, m.Sections, m.Images, m.Skipped, m.Articles, m.RunDuration, m.SQLDurations)
	return m
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Add increments vec's label by n, tolerating a nil receiver.
func (m *Metrics) Add(vec *prometheus.CounterVec, label string, n int) {
	if m == nil || n <= 0 {
		return
	}
	vec.WithLabelValues(label).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
