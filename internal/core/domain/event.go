package domain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockEvent is broadcast after each applied block.
type BlockEvent struct {
	Height    uint32                   `json:"height"`
	Hash      chainhash.Hash           `json:"hash"`
	Time      uint32                   `json:"time"`
	Sequence  uint64                   `json:"sequence"`
	Txids     []chainhash.Hash         `json:"txs"`
	Addresses map[string][]LedgerEntry `json:"addresses"`
}

// RollbackEvent is emitted after a block has been undone.
type RollbackEvent struct {
	Height   uint32         `json:"height"`
	Hash     chainhash.Hash `json:"hash"`
	Sequence uint64         `json:"sequence"`
}

// MempoolDelta is the net unconfirmed movement of one address in one tx.
type MempoolDelta struct {
	In  Amount `json:"in"`
	Out Amount `json:"out"`
}

// MempoolEvent describes a newly seen unconfirmed transaction.
type MempoolEvent struct {
	Txid      chainhash.Hash          `json:"txid"`
	Addresses map[string]MempoolDelta `json:"addresses"`
}

// StatusEvent is emitted when the consumer-facing status changes.
type StatusEvent struct {
	Status   SyncStatus `json:"status"`
	Height   uint32     `json:"height"`
	Sequence uint64     `json:"sequence"`
}
