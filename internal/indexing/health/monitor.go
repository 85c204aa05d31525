package health

import (
	"time"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/indexing/indexer"
	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
)

const degradedLag = 10

// Engine is the sync engine as seen by the monitor.
type Engine interface {
	Snapshot() domain.SyncSnapshot
	Stats() indexer.Stats
}

// MempoolSizer reports the number of tracked mempool transactions.
type MempoolSizer interface {
	Size() int
}

// NodeProbe reports the node connection's health.
type NodeProbe interface {
	GetHealth() provider.HealthStatus
}

// Monitor derives health from the engine's snapshot.
type Monitor struct {
	engine  Engine
	mempool MempoolSizer
	node    NodeProbe
}

// NewMonitor creates a new health monitor. mempool may be nil.
func NewMonitor(engine Engine, mempool MempoolSizer) *Monitor {
	return &Monitor{engine: engine, mempool: mempool}
}

// WithNode adds the node connection to the report.
func (m *Monitor) WithNode(node NodeProbe) *Monitor {
	m.node = node
	return m
}

// CheckHealth evaluates the engine's current state.
//
// Only a stopped engine is critical. Rolling back, trailing the node by
// more than a few blocks or an unavailable node is degraded.
func (m *Monitor) CheckHealth() Report {
	snap := m.engine.Snapshot()
	r := Report{
		Status:     StatusHealthy,
		State:      snap.State,
		SyncStatus: snap.Status,
		Height:     snap.Height,
		NodeHeight: snap.NodeHeight,
		CheckedAt:  time.Now(),
	}
	if snap.NodeHeight > snap.Height {
		r.BlockLag = snap.NodeHeight - snap.Height
	}
	if m.mempool != nil {
		r.MempoolSize = m.mempool.Size()
	}
	if m.node != nil {
		h := m.node.GetHealth()
		r.Node = &h
	}

	switch {
	case snap.State == domain.EngineStateStopped:
		r.Status = StatusCritical
	case snap.Status == domain.SyncStatusRollbacking:
		r.Status = StatusDegraded
	case r.BlockLag > degradedLag:
		r.Status = StatusDegraded
	case r.Node != nil && !r.Node.Available:
		r.Status = StatusDegraded
	}
	return r
}

// Status returns the snapshot together with sync statistics.
func (m *Monitor) Status() StatusReport {
	return StatusReport{
		SyncSnapshot: m.engine.Snapshot(),
		Stats:        m.engine.Stats(),
	}
}
