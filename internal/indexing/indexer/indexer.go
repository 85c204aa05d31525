package indexer

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/indexing/emitter"
	"github.com/vietddude/blockstor/internal/indexing/throttle"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/p2p"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Indexer is the sync engine that keeps the index on the node's best chain
type Indexer interface {
	// Start runs the sync loop until Stop, context cancellation or a fatal
	// consistency error, which is returned
	Start(ctx context.Context) error

	// Stop sets the abort flag; the in-flight block finishes first
	Stop() error

	// Snapshot returns the current engine state
	Snapshot() domain.SyncSnapshot
}

// MempoolUpdater is the mempool reconciler as driven by the sync loop.
type MempoolUpdater interface {
	// RequestReset asks the next update to drop transactions that left the pool
	RequestReset()

	// Update runs one reconcile cycle
	Update(ctx context.Context) error
}

// BlockFetcher is a bulk block source, one session per catch-up.
type BlockFetcher interface {
	Start(ctx context.Context, from chainhash.Hash) error
	Next(ctx context.Context) (*p2p.Block, error)
	Stop()
}

// Config holds indexer configuration
type Config struct {
	Node    chain.Node
	Store   storage.Store
	Markers marker.Manager
	Emitter emitter.Emitter
	Params  *chaincfg.Params

	// State is shared with the marker manager and the query layer; nil
	// creates a private one.
	State *SyncState

	// Mempool is optional.
	Mempool MempoolUpdater

	// NewFetcher opens a peer session for bulk catch-up; nil syncs over RPC only.
	NewFetcher    func() BlockFetcher
	BulkThreshold uint32

	ScanInterval time.Duration
	ApplyWorkers int
	Throttle     throttle.Config
}
