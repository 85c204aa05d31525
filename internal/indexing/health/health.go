// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/indexing/indexer"
	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
)

// SystemStatus represents the overall health state of the system.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the health of the sync engine.
type Report struct {
	Status      SystemStatus           `json:"status"`
	State       domain.EngineState     `json:"state"`
	SyncStatus  domain.SyncStatus      `json:"sync_status"`
	Height      uint32                 `json:"height"`
	NodeHeight  uint32                 `json:"node_height"`
	BlockLag    uint32                 `json:"block_lag"`
	MempoolSize int                    `json:"mempool_size"`
	Node        *provider.HealthStatus `json:"node,omitempty"`
	CheckedAt   time.Time              `json:"checked_at"`
}

// StatusReport is the /status response body.
type StatusReport struct {
	domain.SyncSnapshot
	Stats indexer.Stats `json:"stats"`
}
