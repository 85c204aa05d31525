package leveldb

import (
	"errors"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

type pendingEntry struct {
	value   []byte
	deleted bool
}

// batch is a leveldb.Batch with a read-your-writes overlay, so the input
// phase of a block sees outputs created by the output phase.
type batch struct {
	db      *leveldb.DB
	wb      *leveldb.Batch
	pending map[string]pendingEntry
}

func (s *Store) newBatch() *batch {
	return &batch{
		db:      s.db,
		wb:      new(leveldb.Batch),
		pending: make(map[string]pendingEntry),
	}
}

// get is safe for concurrent use as long as no put/delete runs alongside.
func (b *batch) get(key []byte) ([]byte, error) {
	if e, ok := b.pending[string(key)]; ok {
		if e.deleted {
			return nil, storage.ErrNotFound
		}
		return e.value, nil
	}
	v, err := b.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (b *batch) put(key, value []byte) {
	b.wb.Put(key, value)
	b.pending[string(key)] = pendingEntry{value: value}
}

func (b *batch) delete(key []byte) {
	b.wb.Delete(key)
	b.pending[string(key)] = pendingEntry{deleted: true}
}

func (b *batch) commit() error {
	return b.db.Write(b.wb, &opt.WriteOptions{Sync: true})
}

func (b *batch) txOutput(txid chainhash.Hash, index uint32) (*domain.TxOutput, error) {
	key := txOutputKey(txid, index)
	v, err := b.get(key)
	if err != nil {
		return nil, err
	}
	return decodeTxOutput(key, v)
}

func (b *batch) balance(address string) (domain.Balance, bool, error) {
	v, err := b.get(balanceKey(address))
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Balance{Address: address}, false, nil
	}
	if err != nil {
		return domain.Balance{}, false, err
	}
	bal, err := decodeBalance(address, v)
	return bal, true, err
}

func (b *batch) credit(address string, value domain.Amount) error {
	bal, _, err := b.balance(address)
	if err != nil {
		return err
	}
	if bal.Value, err = bal.Value.Add(value); err != nil {
		return &storage.ConsistencyError{Kind: "balance overflow", Key: address}
	}
	bal.UtxoCount++
	b.put(balanceKey(address), encodeBalance(&bal))
	return nil
}

// debit removes one output from the aggregate. A zero aggregate is deleted
// so that credit followed by debit leaves no trace.
func (b *batch) debit(address string, value domain.Amount) error {
	bal, ok, err := b.balance(address)
	if err != nil {
		return err
	}
	if !ok || bal.UtxoCount == 0 {
		return &storage.ConsistencyError{Kind: "address aggregate missing", Key: address}
	}
	if bal.Value, err = bal.Value.Sub(value); err != nil {
		return &storage.ConsistencyError{Kind: "balance underflow", Key: address}
	}
	bal.UtxoCount--
	if bal.UtxoCount == 0 {
		if bal.Value != 0 {
			return &storage.ConsistencyError{Kind: "balance left without outputs", Key: address}
		}
		b.delete(balanceKey(address))
		return nil
	}
	b.put(balanceKey(address), encodeBalance(&bal))
	return nil
}

type ledgerID struct {
	address string
	seq     uint64
	dir     domain.Direction
}

// ledgerSet sums a block's ledger movements per (address, sequence,
// direction) before they are written.
type ledgerSet struct {
	entries map[ledgerID]*domain.LedgerEntry
}

func newLedgerSet() *ledgerSet {
	return &ledgerSet{entries: make(map[ledgerID]*domain.LedgerEntry)}
}

func (l *ledgerSet) add(address string, seq uint64, dir domain.Direction, txid chainhash.Hash, value domain.Amount) error {
	id := ledgerID{address, seq, dir}
	e, ok := l.entries[id]
	if !ok {
		l.entries[id] = &domain.LedgerEntry{
			Address:   address,
			Sequence:  seq,
			Direction: dir,
			Txid:      txid,
			Value:     value,
		}
		return nil
	}
	sum, err := e.Value.Add(value)
	if err != nil {
		return &storage.ConsistencyError{Kind: "ledger overflow", Key: address}
	}
	e.Value = sum
	return nil
}

func (l *ledgerSet) write(b *batch) {
	for id, e := range l.entries {
		b.put(ledgerKey(id.address, id.seq, id.dir), encodeLedger(e))
	}
}

func (l *ledgerSet) erase(b *batch) {
	for id := range l.entries {
		b.delete(ledgerKey(id.address, id.seq, id.dir))
	}
}

// byAddress groups entries per address in (sequence, direction) order.
func (l *ledgerSet) byAddress() map[string][]domain.LedgerEntry {
	out := make(map[string][]domain.LedgerEntry)
	for _, e := range l.entries {
		out[e.Address] = append(out[e.Address], *e)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Sequence != list[j].Sequence {
				return list[i].Sequence < list[j].Sequence
			}
			return list[i].Direction < list[j].Direction
		})
	}
	return out
}
