package query

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_query_requests_total",
		Help: "Query engine requests by operation and result",
	}, []string{"operation", "result"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worklog_query_duration_seconds",
		Help:    "Query engine latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	}, []string{"operation"})

	entriesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worklog_query_entries_scanned_total",
		Help: "History entries read by filtered queries",
	})

	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worklog_query_decode_failures_total",
		Help: "History values that were not valid JSON and were returned as raw text",
	})
)

const (
	opFilteredHistory = "filtered_history"
	opPointLookup     = "point_lookup"
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidSelector):
		return "invalid_selector"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
