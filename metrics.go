package crosstab

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repositoryQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosstab_repository_queries_total",
			Help: "Total number of repository queries",
		},
		[]string{"op", "status"},
	)

	repositoryQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crosstab_repository_query_duration_seconds",
			Help:    "Duration of repository queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"op"},
	)

	drillFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosstab_drill_fetch_total",
			Help: "Total number of drill-down child fetches",
		},
		[]string{"level", "status"},
	)
)

func observeQuery(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	repositoryQueriesTotal.WithLabelValues(op, status).Inc()
	repositoryQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func observeDrillFetch(level string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	drillFetchTotal.WithLabelValues(level, status).Inc()
}
