package domain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockEffects is the storage-independent description of what applying a
// block changes. Sequences are already assigned.
type BlockEffects struct {
	Header BlockHeader
	Prev   chainhash.Hash
	Txs    []TxEffect
	Raw    []byte
}

// TxEffect lists a transaction's created outputs and spent outpoints.
type TxEffect struct {
	Txid     chainhash.Hash
	Sequence uint64
	Outputs  []OutputEffect
	// Inputs is empty for coinbase transactions.
	Inputs []wire.OutPoint
}

// OutputEffect is a created output with its resolved owners.
type OutputEffect struct {
	Index  uint32
	Value  Amount
	Owners []string
}
