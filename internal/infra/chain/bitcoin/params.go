package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// NetParams returns the chain parameters for a network name. A non-zero
// magic overrides the network's message start bytes for compatible chains.
func NetParams(name string, magic uint32) (*chaincfg.Params, error) {
	var base *chaincfg.Params
	switch name {
	case "", "mainnet":
		base = &chaincfg.MainNetParams
	case "testnet", "testnet3":
		base = &chaincfg.TestNet3Params
	case "regtest":
		base = &chaincfg.RegressionNetParams
	case "signet":
		base = &chaincfg.SigNetParams
	case "simnet":
		base = &chaincfg.SimNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}

	params := *base
	if magic != 0 {
		params.Net = wire.BitcoinNet(magic)
	}
	return &params, nil
}
