// Package metrics holds the prometheus collectors exported by the grading service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestDuration records HTTP request latency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestTotal counts HTTP requests.
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EngineDispatchTotal counts dispatches to the execution engine by outcome.
	EngineDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_engine_dispatch_total",
			Help: "Total number of execution engine dispatches",
		},
		[]string{"outcome"},
	)

	// EngineDispatchSeconds records end-to-end dispatch latency including the retry.
	EngineDispatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grading_engine_dispatch_seconds",
			Help:    "Latency of one execution engine dispatch in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	// VerdictTotal counts graded outcomes per mode and verdict.
	VerdictTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_verdict_total",
			Help: "Total number of graded runs and submissions",
		},
		[]string{"mode", "verdict"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		RequestDuration,
		RequestTotal,
		EngineDispatchTotal,
		EngineDispatchSeconds,
		VerdictTotal,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
