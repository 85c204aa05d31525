package leveldb

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vietddude/blockstor/internal/infra/storage"
)

// SearchAddresses returns addresses with a non-empty aggregate that start
// with prefix. More than the search cap yields storage.ErrTooMany; no match
// yields an empty slice.
func (s *Store) SearchAddresses(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" || len(prefix) > maxAddressLen {
		return nil, storage.ErrInvalidPrefix
	}
	it := s.db.NewIterator(util.BytesPrefix(balanceKey(prefix)), nil)
	defer it.Release()

	out := make([]string, 0)
	for it.Next() {
		if len(out) == s.cfg.SearchLimit {
			return nil, storage.ErrTooMany
		}
		out = append(out, string(it.Key()[1:]))
	}
	return out, it.Error()
}

// SearchTransactions matches a hex txid prefix. An odd-length prefix is
// matched on its even part and then filtered on the text form.
func (s *Store) SearchTransactions(ctx context.Context, prefix string) ([]chainhash.Hash, error) {
	prefix = strings.ToLower(prefix)
	if prefix == "" || len(prefix) > chainhash.MaxHashStringSize {
		return nil, storage.ErrInvalidPrefix
	}
	even, err := hex.DecodeString(prefix[:len(prefix)&^1])
	if err != nil {
		return nil, storage.ErrInvalidPrefix
	}
	if len(prefix)%2 == 1 {
		if _, err := hex.DecodeString(prefix[len(prefix)-1:] + "0"); err != nil {
			return nil, storage.ErrInvalidPrefix
		}
	}

	key := append([]byte{prefixTransaction}, even...)
	it := s.db.NewIterator(util.BytesPrefix(key), nil)
	defer it.Release()

	out := make([]chainhash.Hash, 0)
	for it.Next() {
		txid := readHash(it.Key()[1:])
		if !strings.HasPrefix(txid.String(), prefix) {
			continue
		}
		if len(out) == s.cfg.SearchLimit {
			return nil, storage.ErrTooMany
		}
		out = append(out, txid)
	}
	return out, it.Error()
}
