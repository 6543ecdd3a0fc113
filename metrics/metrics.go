// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes Prometheus counters/gauges for the HotStuff
// core and base, grounded on the teacher's metrics/metrics.go
// Averager/prometheus.Registerer pattern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges the consensus engine updates
// on its event loop. All construction happens through NewMetrics so a
// caller without a registerer (e.g. unit tests) can skip registration
// entirely by passing nil.
type Metrics struct {
	VotesReceived      prometheus.Counter
	QCsFormed          prometheus.Counter
	BlocksCommitted    prometheus.Counter
	DecodeFailures     prometheus.Counter
	ShardsInsufficient prometheus.Counter
	SlicesRejected     prometheus.Counter
	CommitHeight       prometheus.Gauge
}

// NewMetrics creates and, if reg is non-nil, registers the metric set
// under the given namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		VotesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_received_total",
			Help: "Number of votes accepted by on_receive_vote.",
		}),
		QCsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "qcs_formed_total",
			Help: "Number of quorum certificates finalized.",
		}),
		BlocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_committed_total",
			Help: "Number of blocks committed by the three/two-chain rule.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_failures_total",
			Help: "Number of RSE decode attempts that failed.",
		}),
		ShardsInsufficient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "shards_insufficient_total",
			Help: "Number of committed blocks whose commands could not be reported for lack of a decode future.",
		}),
		SlicesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slices_rejected_total",
			Help: "Number of slices rejected by Merkle validation.",
		}),
		CommitHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "commit_height",
			Help: "Height of b_exec, the highest executed block.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.VotesReceived, m.QCsFormed, m.BlocksCommitted,
		m.DecodeFailures, m.ShardsInsufficient, m.SlicesRejected,
		m.CommitHeight,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NoOp returns a Metrics whose counters are unregistered and simply
// discard observations, for tests that don't care about metrics.
func NoOp() *Metrics {
	m, _ := NewMetrics("", nil)
	return m
}
