package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrNotFound is returned for heights beyond the node's tip and for unknown
// transactions.
var ErrNotFound = errors.New("not found on node")

// Node is the full node's RPC contract as used by the indexer.
type Node interface {
	// GetBlockCount returns the height of the node's best block
	GetBlockCount(ctx context.Context) (uint32, error)

	// GetBlockHash returns the hash at height, or ErrNotFound above the tip
	GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error)

	// GetBlock returns the serialized block
	GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error)

	// GetRawMempool returns the ids of all unconfirmed transactions
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)

	// GetRawTransaction returns a serialized transaction, or ErrNotFound
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error)

	// SendRawTransaction broadcasts a serialized transaction
	SendRawTransaction(ctx context.Context, rawTx []byte) (chainhash.Hash, error)
}
