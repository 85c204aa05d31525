package domain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxRecord is the Transaction row.
type TxRecord struct {
	Txid     chainhash.Hash `json:"txid"`
	Height   uint32         `json:"height"`
	Time     uint32         `json:"time"`
	Sequence uint64         `json:"sequence"`
}

// TxOutput is the TxOutput row. It survives spending and is removed only on
// rollback.
type TxOutput struct {
	Txid     chainhash.Hash `json:"txid"`
	Index    uint32         `json:"n"`
	Sequence uint64         `json:"sequence"`
	Value    Amount         `json:"value"`
	Owners   []string       `json:"addresses"`
}

// Ambiguous reports whether the output resolved to more than one owner.
func (o *TxOutput) Ambiguous() bool {
	return len(o.Owners) > 1
}

// Utxo is one UnspentOutput row as seen by a single owner.
type Utxo struct {
	Address  string         `json:"address"`
	Sequence uint64         `json:"sequence"`
	Txid     chainhash.Hash `json:"txid"`
	Index    uint32         `json:"n"`
	Value    Amount         `json:"value"`
	Unconf   bool           `json:"unconf,omitempty"`
}
