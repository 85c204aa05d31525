package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vietddude/blockstor/internal/core/domain"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("not found")

	// ErrTooMany is returned by prefix search when the prefix matches more
	// entries than the search cap
	ErrTooMany = errors.New("too many matches")

	// ErrInvalidPrefix is returned for a malformed search prefix
	ErrInvalidPrefix = errors.New("invalid search prefix")

	// ErrNotTip is returned when a rollback or rewrite targets a block that
	// is not the current tip
	ErrNotTip = errors.New("block is not the current tip")

	// ErrBadLinkage is returned when an applied block does not extend the tip
	ErrBadLinkage = errors.New("block does not extend tip")
)

// ConsistencyError reports index corruption. It is fatal: the engine stops
// and storage is closed.
type ConsistencyError struct {
	Kind string
	Key  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("index consistency: %s (%s)", e.Kind, e.Key)
}

// IsConsistency reports whether err wraps a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// ChainStore holds block headers and applies block effects.
type ChainStore interface {
	// Tip returns the highest applied block header, or ErrNotFound.
	Tip(ctx context.Context) (*domain.BlockHeader, error)

	// BlockHeader returns the header at height, or ErrNotFound.
	BlockHeader(ctx context.Context, height uint32) (*domain.BlockHeader, error)

	// ApplyBlock atomically records a block's effects on top of the tip.
	ApplyBlock(ctx context.Context, fx *domain.BlockEffects) (*domain.BlockEvent, error)

	// RollbackBlock atomically undoes the tip block. fx must be the same
	// effects that were applied.
	RollbackBlock(ctx context.Context, fx *domain.BlockEffects) error

	// RewriteBlock recomputes the tip block's rows and the aggregates of
	// every address it touched.
	RewriteBlock(ctx context.Context, fx *domain.BlockEffects) error

	// RawBlock returns a retained raw block, or ErrNotFound.
	RawBlock(ctx context.Context, height uint32, hash chainhash.Hash) (*domain.RawBlock, error)

	// PruneRawBlocks deletes retained raw blocks below height.
	PruneRawBlocks(ctx context.Context, below uint32) (int, error)
}

// OutputStore looks up transactions and outputs by id.
type OutputStore interface {
	Transaction(ctx context.Context, txid chainhash.Hash) (*domain.TxRecord, error)
	TxOutput(ctx context.Context, txid chainhash.Hash, index uint32) (*domain.TxOutput, error)
}

// AddressStore serves per-address queries.
type AddressStore interface {
	// Balance returns the address aggregate; a missing row is a zero balance.
	Balance(ctx context.Context, address string) (domain.Balance, error)
	Utxos(ctx context.Context, address string, opts RangeOptions) (Page[domain.Utxo], error)
	Ledger(ctx context.Context, address string, opts RangeOptions) (Page[domain.LedgerEntry], error)
	SearchAddresses(ctx context.Context, prefix string) ([]string, error)
	SearchTransactions(ctx context.Context, prefix string) ([]chainhash.Hash, error)
}

// MarkerStore persists consumer markers.
type MarkerStore interface {
	GetMarker(ctx context.Context, consumer string) (*domain.Marker, error)
	PutMarker(ctx context.Context, m *domain.Marker) error
	DeleteMarker(ctx context.Context, consumer string) error
	ListMarkers(ctx context.Context) ([]*domain.Marker, error)
}

// Store is the complete storage engine.
type Store interface {
	ChainStore
	OutputStore
	AddressStore
	MarkerStore
	Close() error
}
