package domain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockHeader is the indexed summary of an applied block.
type BlockHeader struct {
	Height uint32         `json:"height"`
	Hash   chainhash.Hash `json:"hash"`
	Time   uint32         `json:"time"`
	// StartSequence is the global sequence before the block's first transaction.
	StartSequence uint64 `json:"start_sequence"`
	TxCount       uint32 `json:"tx_count"`
}

// EndSequence returns the sequence of the block's last transaction, or
// StartSequence for an empty block.
func (h BlockHeader) EndSequence() uint64 {
	return h.StartSequence + uint64(h.TxCount)
}

// RawBlock is a retained serialized block.
type RawBlock struct {
	Height     uint32
	Hash       chainhash.Hash
	Data       []byte
	InsertedAt time.Time
}
