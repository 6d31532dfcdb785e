// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics registers the node's Prometheus counters and histograms,
// one struct field per named metric, constructed against a caller-supplied
// prometheus.Registerer rather than the global default registry (spec.md
// §4.11), mirroring the teacher's per-component metrics structs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/histogram the node's components report
// against. A nil *Metrics is valid everywhere it is threaded through:
// every method below guards against it so metrics remain optional in
// tests that don't construct a registry.
type Metrics struct {
	ConsensusVotes            prometheus.Counter
	ConsensusTimeouts         prometheus.Counter
	LedgerCommits             prometheus.Counter
	ConstraintMachineRejects  *prometheus.CounterVec
	SyncRequests              prometheus.Counter
	DroppedMessages           *prometheus.CounterVec
	CommitLatency             prometheus.Histogram
}

// New registers every metric against reg. Registration errors are returned
// rather than panicked, so a caller retrying New against an already-used
// registry (e.g. in tests that construct multiple nodes) gets a normal
// error instead of a crash.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ConsensusVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_votes_total",
			Help: "Total votes processed by the BFT event processor.",
		}),
		ConsensusTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_timeouts_total",
			Help: "Total local view timeouts fired by the pacemaker.",
		}),
		LedgerCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_commits_total",
			Help: "Total commits signalled by quorum certificates this node assembled.",
		}),
		ConstraintMachineRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "constraint_machine_rejections_total",
			Help: "Total transactions rejected by the constraint machine, by rejection kind.",
		}, []string{"kind"}),
		SyncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_requests_total",
			Help: "Total sync batch requests sent by the sync service.",
		}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_dropped_messages_total",
			Help: "Total outbound messages dropped for exceeding the per-peer-class outbound queue threshold.",
		}, []string{"class"}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_commit_latency_seconds",
			Help:    "Wall-clock time spent in Ledger.commit per call.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.ConsensusVotes, m.ConsensusTimeouts, m.LedgerCommits,
		m.ConstraintMachineRejects, m.SyncRequests, m.DroppedMessages, m.CommitLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incVote() {
	if m != nil {
		m.ConsensusVotes.Inc()
	}
}

func (m *Metrics) incTimeout() {
	if m != nil {
		m.ConsensusTimeouts.Inc()
	}
}

func (m *Metrics) incCommit() {
	if m != nil {
		m.LedgerCommits.Inc()
	}
}

func (m *Metrics) incRejection(kind string) {
	if m != nil {
		m.ConstraintMachineRejects.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) incSyncRequest() {
	if m != nil {
		m.SyncRequests.Inc()
	}
}

func (m *Metrics) incDropped(class string) {
	if m != nil {
		m.DroppedMessages.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) observeCommitLatency(seconds float64) {
	if m != nil {
		m.CommitLatency.Observe(seconds)
	}
}

// IncVote records a processed vote.
func (m *Metrics) IncVote() { m.incVote() }

// IncTimeout records a fired local view timeout.
func (m *Metrics) IncTimeout() { m.incTimeout() }

// IncCommit records a commit signalled by a quorum certificate this node
// assembled.
func (m *Metrics) IncCommit() { m.incCommit() }

// IncRejection records a constraint-machine rejection by kind.
func (m *Metrics) IncRejection(kind string) { m.incRejection(kind) }

// IncSyncRequest records a sent sync batch request.
func (m *Metrics) IncSyncRequest() { m.incSyncRequest() }

// IncDropped records a message dropped for exceeding the outbound queue
// threshold for the given peer class.
func (m *Metrics) IncDropped(class string) { m.incDropped(class) }

// ObserveCommitLatency records the wall-clock duration, in seconds, of a
// Ledger.commit call.
func (m *Metrics) ObserveCommitLatency(seconds float64) { m.observeCommitLatency(seconds) }
