package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airsvc",
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Launch attempts by service kind and outcome.",
		}, []string{"service", "outcome"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airsvc",
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Stop attempts by service kind and outcome.",
		}, []string{"service", "outcome"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airsvc",
			Subsystem: "supervisor",
			Name:      "probes_total",
			Help:      "Liveness probes by service kind and result (alive, dead, error).",
		}, []string{"service", "result"},
	)
	staleRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airsvc",
			Subsystem: "supervisor",
			Name:      "stale_records_total",
			Help:      "Process records removed because they no longer described a live process.",
		}, []string{"service"},
	)
	ambiguousMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airsvc",
			Subsystem: "supervisor",
			Name:      "ambiguous_matches_total",
			Help:      "Process table scans that matched more than one candidate.",
		}, []string{"service"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{launches, stops, probes, staleRecords, ambiguousMatches}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(service, outcome string) {
	if regOK.Load() {
		launches.WithLabelValues(service, outcome).Inc()
	}
}

func IncStop(service, outcome string) {
	if regOK.Load() {
		stops.WithLabelValues(service, outcome).Inc()
	}
}

func IncProbe(service, result string) {
	if regOK.Load() {
		probes.WithLabelValues(service, result).Inc()
	}
}

func IncStaleRecord(service string) {
	if regOK.Load() {
		staleRecords.WithLabelValues(service).Inc()
	}
}

func IncAmbiguous(service string) {
	if regOK.Load() {
		ambiguousMatches.WithLabelValues(service).Inc()
	}
}
