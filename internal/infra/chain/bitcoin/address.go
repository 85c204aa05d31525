package bitcoin

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/vietddude/blockstor/internal/core/domain"
)

// ResolveOwners returns the addresses that own an output script.
//
// Standard single-address scripts resolve to their address. Otherwise every
// data push that parses as a public key contributes its pay-to-pubkey-hash
// address, which covers bare pubkey and multisig outputs; more than one
// result marks the output ambiguous. Scripts with no recognizable owner get
// the synthetic address for (txid, index).
func ResolveOwners(pkScript []byte, txid chainhash.Hash, index uint32, params *chaincfg.Params) []string {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err == nil && len(addrs) == 1 {
		switch class {
		case txscript.PubKeyHashTy, txscript.ScriptHashTy,
			txscript.WitnessV0PubKeyHashTy, txscript.WitnessV0ScriptHashTy,
			txscript.WitnessV1TaprootTy:
			return []string{addrs[0].EncodeAddress()}
		}
	}

	if owners := embeddedKeyOwners(pkScript, params); len(owners) > 0 {
		return owners
	}
	return []string{domain.SyntheticAddress(txid, index)}
}

func embeddedKeyOwners(pkScript []byte, params *chaincfg.Params) []string {
	var owners []string
	seen := make(map[string]struct{})

	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	for tokenizer.Next() {
		data := tokenizer.Data()
		if len(data) != 33 && len(data) != 65 {
			continue
		}
		pk, err := btcutil.NewAddressPubKey(data, params)
		if err != nil {
			continue
		}
		addr := pk.AddressPubKeyHash().EncodeAddress()
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		owners = append(owners, addr)
	}
	// A tokenizer error past valid pushes still leaves those owners usable.
	return owners
}
