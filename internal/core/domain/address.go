package domain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const syntheticPrefix = "#"

// SyntheticAddress is the owner key for an output whose script has no
// resolvable address. It can never collide with an encoded address.
func SyntheticAddress(txid chainhash.Hash, index uint32) string {
	return fmt.Sprintf("%s%s-%d", syntheticPrefix, txid, index)
}

// IsSynthetic reports whether addr was produced by SyntheticAddress.
func IsSynthetic(addr string) bool {
	return strings.HasPrefix(addr, syntheticPrefix)
}

// Balance is the materialized AddressBalance row.
type Balance struct {
	Address   string `json:"address"`
	Value     Amount `json:"balance"`
	UtxoCount uint32 `json:"utxo_count"`
}

// Direction tags a ledger entry.
type Direction byte

const (
	DirectionSpend Direction = iota
	DirectionReceive
	DirectionReceiveAmbiguous
)

func (d Direction) String() string {
	switch d {
	case DirectionSpend:
		return "spend"
	case DirectionReceive:
		return "receive"
	case DirectionReceiveAmbiguous:
		return "receive_ambiguous"
	default:
		return fmt.Sprintf("direction(%d)", byte(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// IsReceive is true for both receive tags.
func (d Direction) IsReceive() bool {
	return d == DirectionReceive || d == DirectionReceiveAmbiguous
}

// LedgerEntry is one AddressLedgerEntry row. Value is the sum over every
// output (or spent input) of the transaction owned by Address.
type LedgerEntry struct {
	Address   string         `json:"address"`
	Sequence  uint64         `json:"sequence"`
	Direction Direction      `json:"direction"`
	Txid      chainhash.Hash `json:"txid"`
	Value     Amount         `json:"value"`
}
