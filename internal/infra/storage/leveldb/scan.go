package leveldb

import (
	"context"
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Utxos lists an address's unspent outputs in sequence order.
func (s *Store) Utxos(ctx context.Context, address string, opts storage.RangeOptions) (storage.Page[domain.Utxo], error) {
	return scanSequenced(s, prefixUnspent, address, opts, func(k, v []byte) (domain.Utxo, uint64, error) {
		u, err := decodeUnspent(k, v)
		return u, u.Sequence, err
	})
}

// Ledger lists an address's ledger entries in sequence order.
func (s *Store) Ledger(ctx context.Context, address string, opts storage.RangeOptions) (storage.Page[domain.LedgerEntry], error) {
	return scanSequenced(s, prefixLedger, address, opts, func(k, v []byte) (domain.LedgerEntry, uint64, error) {
		e, err := decodeLedger(k, v)
		return e, e.Sequence, err
	})
}

func sequenceRange(prefix byte, address string, opts storage.RangeOptions) (*util.Range, bool) {
	lo, hi, unbounded, ok := opts.SequenceBounds()
	if !ok {
		return nil, false
	}
	base := addressPrefix(prefix, address)
	rng := &util.Range{
		Start: binary.BigEndian.AppendUint64(append([]byte(nil), base...), lo),
	}
	if unbounded {
		rng.Limit = util.BytesPrefix(base).Limit
	} else {
		rng.Limit = binary.BigEndian.AppendUint64(append([]byte(nil), base...), hi)
	}
	return rng, true
}

// scanSequenced walks one address's rows within opts and applies the page
// limit and sequence-break rules. One extra row is read past the limit to
// learn whether the last sequence group continues.
func scanSequenced[T any](
	s *Store,
	prefix byte,
	address string,
	opts storage.RangeOptions,
	decode func(k, v []byte) (T, uint64, error),
) (storage.Page[T], error) {
	var page storage.Page[T]
	if err := validAddress(address); err != nil {
		return page, nil
	}
	rng, ok := sequenceRange(prefix, address, opts)
	if !ok {
		return page, nil
	}
	limit := opts.EffectiveLimit(s.cfg.RangeLimit)

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return page, err
	}
	defer snap.Release()

	it := snap.NewIterator(rng, nil)
	defer it.Release()

	items := make([]T, 0, min(limit+1, 256))
	seqs := make([]uint64, 0, cap(items))
	step := forward(it, opts.Reverse)
	for ok := step(true); ok && len(items) <= limit; ok = step(false) {
		item, seq, err := decode(it.Key(), it.Value())
		if err != nil {
			return page, err
		}
		items = append(items, item)
		seqs = append(seqs, seq)
	}
	if err := it.Error(); err != nil {
		return page, err
	}

	if len(items) > limit {
		next := seqs[limit]
		items, seqs = items[:limit], seqs[:limit]
		if opts.SeqBreak {
			n := len(items)
			for n > 0 && seqs[n-1] == next {
				n--
			}
			items = items[:n]
			page.LimitTooSmall = n == 0
		}
	}
	page.Items = items
	return page, nil
}

func forward(it iterator.Iterator, reverse bool) func(first bool) bool {
	if reverse {
		return func(first bool) bool {
			if first {
				return it.Last()
			}
			return it.Prev()
		}
	}
	return func(first bool) bool {
		if first {
			return it.First()
		}
		return it.Next()
	}
}
