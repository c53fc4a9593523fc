// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "comptool"

// Barrier kinds used as metric labels.
const (
	barrierBlock = "block"
	barrierTx    = "tx"
	barrierPing  = "ping"
)

// Object kinds used as metric labels.
const (
	objectBlock  = "block"
	objectHeader = "header"
	objectTx     = "tx"
)

// metrics houses the prometheus collectors of a test manager.
type metrics struct {
	tests    *prometheus.CounterVec
	barriers *prometheus.HistogramVec
	objects  *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them with reg.  A nil reg
// uses a private registry so several managers may coexist in one process.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tests_total",
			Help:      "Number of test instances run, by result.",
		}, []string{"result"}),
		barriers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "barrier_duration_seconds",
			Help:      "Time spent waiting on synchronization barriers.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "objects_delivered_total",
			Help:      "Number of objects delivered to the nodes, by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.tests, m.barriers, m.objects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observeBarrier records the time elapsed since start for a barrier kind.
func (m *metrics) observeBarrier(kind string, start time.Time) {
	m.barriers.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
