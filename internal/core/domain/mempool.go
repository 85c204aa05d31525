package domain

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// UnconfirmedOutput is a mempool output owned by an address.
type UnconfirmedOutput struct {
	Txid      chainhash.Hash `json:"txid"`
	Index     uint32         `json:"n"`
	Value     Amount         `json:"value"`
	Ambiguous bool           `json:"ambiguous,omitempty"`
}

// UnconfirmedSpend is a mempool input spending an output owned by an address.
// Chained spends reference outputs that are themselves unconfirmed.
type UnconfirmedSpend struct {
	Txid      chainhash.Hash `json:"txid"`
	SpentTxid chainhash.Hash `json:"spent_txid"`
	SpentN    uint32         `json:"spent_n"`
	Value     Amount         `json:"value"`
	Chained   bool           `json:"chained,omitempty"`
}

// UnconfirmedView is the per-address mempool summary.
type UnconfirmedView struct {
	Outputs   []UnconfirmedOutput `json:"outputs"`
	Spends    []UnconfirmedSpend  `json:"spends"`
	Ambiguous bool                `json:"ambiguous"`
}
