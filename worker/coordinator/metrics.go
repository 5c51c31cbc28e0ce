// Copyright 2021 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lcm_coordinator"

// metrics is a prometheus.Collector for the coordinator's admission
// decisions. Only the loop goroutine updates it.
type metrics struct {
	heldLeases    prometheus.Gauge
	claimsGranted prometheus.Counter
	claimsDenied  prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		heldLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "held_leases",
				Help:      "The number of entities with an active operation lease.",
			},
		),
		claimsGranted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "claims_granted",
				Help:      "The number of admission claims granted.",
			},
		),
		claimsDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "claims_denied",
				Help:      "The number of admission claims refused.",
			},
		),
	}
}

func (m *metrics) setHeld(n int) { m.heldLeases.Set(float64(n)) }
func (m *metrics) granted()      { m.claimsGranted.Inc() }
func (m *metrics) denied()       { m.claimsDenied.Inc() }

// Describe is part of the prometheus.Collector interface.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.heldLeases.Describe(ch)
	m.claimsGranted.Describe(ch)
	m.claimsDenied.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.heldLeases.Collect(ch)
	m.claimsGranted.Collect(ch)
	m.claimsDenied.Collect(ch)
}
