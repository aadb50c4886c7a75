// Package metrics exposes fleet and instance counters for Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Outcome labels.
const (
	OutcomeFound      = "found"
	OutcomeRejected   = "rejected"
	OutcomeDoubleRare = "double_rare"
)

var (
	namespace = "reroll"

	packsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packs_opened_total",
			Help:      "Packs opened per device",
		},
		[]string{"device"},
	)

	outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Rare outcomes detected per device and kind",
		},
		[]string{"device", "outcome"},
	)

	restarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_restarts_total",
			Help:      "App restarts after a stuck wait or transport failure",
		},
		[]string{"device", "reason"},
	)

	phase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_phase",
			Help:      "Current phase of each instance as its numeric value",
		},
		[]string{"device"},
	)

	instancesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_online",
			Help:      "Instances whose workflow is still running",
		},
	)

	waitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a template to appear",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"template"},
	)
)

// RecordPack counts one opened pack.
func RecordPack(device string) {
	packsOpened.WithLabelValues(device).Inc()
}

// RecordOutcome counts a rare outcome.
func RecordOutcome(device, outcome string) {
	outcomes.WithLabelValues(device, outcome).Inc()
}

// RecordRestart counts an app restart.
func RecordRestart(device, reason string) {
	restarts.WithLabelValues(device, reason).Inc()
}

// SetPhase publishes an instance's phase.
func SetPhase(device string, value int) {
	phase.WithLabelValues(device).Set(float64(value))
}

// SetInstancesOnline publishes the number of live instances.
func SetInstancesOnline(n int) {
	instancesOnline.Set(float64(n))
}

// ObserveWait records how long a wait lasted.
func ObserveWait(template string, d time.Duration) {
	waitDuration.WithLabelValues(template).Observe(d.Seconds())
}

// SetupMetricsEndpoint serves /metrics on addr in the background. The
// caller shuts the returned server down.
func SetupMetricsEndpoint(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed.", zap.Error(err))
		}
	}()
	return server
}
