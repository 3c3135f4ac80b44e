package raft

import (
	"github.com/armon/go-metrics"
)

// serverMetrics emits per-group metrics through the global go-metrics sink.
type serverMetrics struct {
	labels []metrics.Label
}

func newServerMetrics(group GroupID, id ServerID) *serverMetrics {
	return &serverMetrics{labels: []metrics.Label{
		{Name: "group", Value: group.String()},
		{Name: "server", Value: id.String()},
	}}
}

func (m *serverMetrics) messageSent(msg Message) {
	metrics.IncrCounterWithLabels([]string{"raft", "messages_sent"}, 1,
		append(m.labels, metrics.Label{Name: "type", Value: MessageName(msg)}))
}

func (m *serverMetrics) entriesAdded(n int) {
	metrics.IncrCounterWithLabels([]string{"raft", "entries_added"}, float32(n), m.labels)
}

func (m *serverMetrics) snapshotTaken() {
	metrics.IncrCounterWithLabels([]string{"raft", "snapshots_taken"}, 1, m.labels)
}

func (m *serverMetrics) snapshotInstalled() {
	metrics.IncrCounterWithLabels([]string{"raft", "snapshots_installed"}, 1, m.labels)
}

func (m *serverMetrics) roleChanged(r Role) {
	switch r {
	case RoleCandidate, RolePreCandidate:
		metrics.IncrCounterWithLabels([]string{"raft", "elections_started"}, 1, m.labels)
	case RoleLeader:
		metrics.IncrCounterWithLabels([]string{"raft", "leadership_acquired"}, 1, m.labels)
	}
}

func (m *serverMetrics) state(f *Fsm, applied Index) {
	metrics.SetGaugeWithLabels([]string{"raft", "term"}, float32(f.CurrentTerm()), m.labels)
	metrics.SetGaugeWithLabels([]string{"raft", "commit_index"}, float32(f.CommitIndex()), m.labels)
	metrics.SetGaugeWithLabels([]string{"raft", "applied_index"}, float32(applied), m.labels)
	metrics.SetGaugeWithLabels([]string{"raft", "log_length"}, float32(f.Log().Len()), m.labels)
}
