package leveldb

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMem(Config{RawBlocks: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func txid(name string) chainhash.Hash {
	return chainhash.DoubleHashH([]byte(name))
}

func out(index uint32, value domain.Amount, owners ...string) domain.OutputEffect {
	return domain.OutputEffect{Index: index, Value: value, Owners: owners}
}

func spend(name string, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: txid(name), Index: index}
}

func block(height uint32, prev chainhash.Hash, start uint64, txs ...domain.TxEffect) *domain.BlockEffects {
	for i := range txs {
		txs[i].Sequence = start + uint64(i) + 1
	}
	return &domain.BlockEffects{
		Header: domain.BlockHeader{
			Height:        height,
			Hash:          chainhash.DoubleHashH([]byte(fmt.Sprintf("block-%d-%s", height, prev))),
			Time:          1700000000 + height,
			StartSequence: start,
			TxCount:       uint32(len(txs)),
		},
		Prev: prev,
		Txs:  txs,
		Raw:  []byte{0xde, 0xad, byte(height)},
	}
}

func next(parent *domain.BlockEffects, txs ...domain.TxEffect) *domain.BlockEffects {
	return block(parent.Header.Height+1, parent.Header.Hash, parent.Header.EndSequence(), txs...)
}

func dump(t *testing.T, s *Store) map[string]string {
	t.Helper()
	out := make(map[string]string)
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		out[string(it.Key())] = string(it.Value())
	}
	require.NoError(t, it.Error())
	return out
}

func requireBalancesMatchUnspent(t *testing.T, s *Store, addresses ...string) {
	t.Helper()
	ctx := context.Background()
	for _, a := range addresses {
		bal, err := s.Balance(ctx, a)
		require.NoError(t, err)
		page, err := s.Utxos(ctx, a, storage.RangeOptions{Limit: storage.MaxRangeLimit})
		require.NoError(t, err)
		var sum domain.Amount
		for _, u := range page.Items {
			sum += u.Value
		}
		assert.Equal(t, sum, bal.Value, "balance of %s", a)
		assert.Equal(t, uint32(len(page.Items)), bal.UtxoCount, "utxo count of %s", a)
	}
}

func TestApplySpendRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b100 := block(100, chainhash.Hash{}, 0, domain.TxEffect{
		Txid:    txid("A"),
		Outputs: []domain.OutputEffect{out(0, 50, "addr1")},
	})
	_, err := s.ApplyBlock(ctx, b100)
	require.NoError(t, err)

	page, err := s.Utxos(ctx, "addr1", storage.RangeOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, txid("A"), page.Items[0].Txid)
	assert.Equal(t, uint32(0), page.Items[0].Index)
	assert.Equal(t, domain.Amount(50), page.Items[0].Value)

	b101 := next(b100, domain.TxEffect{
		Txid:    txid("B"),
		Inputs:  []wire.OutPoint{spend("A", 0)},
		Outputs: []domain.OutputEffect{out(0, 50, "addr2")},
	})
	ev, err := s.ApplyBlock(ctx, b101)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{txid("B")}, ev.Txids)
	require.Len(t, ev.Addresses["addr1"], 1)
	assert.Equal(t, domain.DirectionSpend, ev.Addresses["addr1"][0].Direction)
	assert.Equal(t, uint64(2), ev.Addresses["addr1"][0].Sequence)

	bal, err := s.Balance(ctx, "addr1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(0), bal.Value)
	assert.Equal(t, uint32(0), bal.UtxoCount)

	// spent outputs keep their TxOutput row
	prev, err := s.TxOutput(ctx, txid("A"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"addr1"}, prev.Owners)

	require.NoError(t, s.RollbackBlock(ctx, b101))

	bal, err = s.Balance(ctx, "addr1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(50), bal.Value)
	assert.Equal(t, uint32(1), bal.UtxoCount)

	bal, err = s.Balance(ctx, "addr2")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), bal.UtxoCount)

	tip, err := s.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), tip.Height)
	assert.Equal(t, uint64(1), tip.EndSequence())
}

func TestApplyRollbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b1 := block(1, chainhash.Hash{}, 0,
		domain.TxEffect{Txid: txid("cb1"), Outputs: []domain.OutputEffect{out(0, 5000, "miner")}},
		domain.TxEffect{Txid: txid("fund"), Outputs: []domain.OutputEffect{
			out(0, 300, "alice"), out(1, 200, "bob"), out(2, 10, "#" + txid("fund").String() + "-2"),
		}},
	)
	_, err := s.ApplyBlock(ctx, b1)
	require.NoError(t, err)

	before := dump(t, s)

	// b2 chains two spends inside one block and pays a two-key script
	b2 := next(b1,
		domain.TxEffect{Txid: txid("cb2"), Outputs: []domain.OutputEffect{out(0, 5000, "miner")}},
		domain.TxEffect{
			Txid:    txid("pay"),
			Inputs:  []wire.OutPoint{spend("fund", 0), spend("fund", 2)},
			Outputs: []domain.OutputEffect{out(0, 250, "carol"), out(1, 60, "alice")},
		},
		domain.TxEffect{
			Txid:    txid("chain"),
			Inputs:  []wire.OutPoint{spend("pay", 0)},
			Outputs: []domain.OutputEffect{out(0, 240, "dave", "erin")},
		},
	)
	_, err = s.ApplyBlock(ctx, b2)
	require.NoError(t, err)

	b3 := next(b2, domain.TxEffect{
		Txid:    txid("late"),
		Inputs:  []wire.OutPoint{spend("chain", 0), spend("fund", 1)},
		Outputs: []domain.OutputEffect{out(0, 400, "bob")},
	})
	_, err = s.ApplyBlock(ctx, b3)
	require.NoError(t, err)

	tip, err := s.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), tip.EndSequence())

	requireBalancesMatchUnspent(t, s, "miner", "alice", "bob", "carol", "dave", "erin")

	require.NoError(t, s.RollbackBlock(ctx, b3))
	require.NoError(t, s.RollbackBlock(ctx, b2))

	tip, err = s.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tip.EndSequence())
	assert.Equal(t, before, dump(t, s))
}

func TestCompetingBlocksConverge(t *testing.T) {
	ctx := context.Background()

	base := block(99, chainhash.Hash{}, 0, domain.TxEffect{
		Txid: txid("base"), Outputs: []domain.OutputEffect{out(0, 100, "addr1")},
	})
	first := next(base, domain.TxEffect{
		Txid:    txid("first"),
		Inputs:  []wire.OutPoint{spend("base", 0)},
		Outputs: []domain.OutputEffect{out(0, 100, "addr2")},
	})
	second := next(base, domain.TxEffect{
		Txid:    txid("second"),
		Inputs:  []wire.OutPoint{spend("base", 0)},
		Outputs: []domain.OutputEffect{out(0, 60, "addr3"), out(1, 40, "addr1")},
	})
	second.Header.Hash = txid("other-100")

	reorged := newTestStore(t)
	_, err := reorged.ApplyBlock(ctx, base)
	require.NoError(t, err)
	_, err = reorged.ApplyBlock(ctx, first)
	require.NoError(t, err)
	require.NoError(t, reorged.RollbackBlock(ctx, first))
	_, err = reorged.ApplyBlock(ctx, second)
	require.NoError(t, err)

	direct := newTestStore(t)
	_, err = direct.ApplyBlock(ctx, base)
	require.NoError(t, err)
	_, err = direct.ApplyBlock(ctx, second)
	require.NoError(t, err)

	for _, a := range []string{"addr1", "addr2", "addr3"} {
		want, err := direct.Balance(ctx, a)
		require.NoError(t, err)
		got, err := reorged.Balance(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, want, got, a)
	}

	// raw block insert times may differ; everything else must match
	strip := func(m map[string]string) map[string]string {
		for k := range m {
			if k[0] == prefixRawBlock {
				delete(m, k)
			}
		}
		return m
	}
	assert.Equal(t, strip(dump(t, direct)), strip(dump(t, reorged)))
}

func TestAmbiguousAndSyntheticOwners(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	synthetic := domain.SyntheticAddress(txid("multi"), 1)
	b := block(1, chainhash.Hash{}, 0, domain.TxEffect{
		Txid: txid("multi"),
		Outputs: []domain.OutputEffect{
			out(0, 70, "key1", "key2"),
			out(1, 5, synthetic),
		},
	})
	ev, err := s.ApplyBlock(ctx, b)
	require.NoError(t, err)

	for _, a := range []string{"key1", "key2"} {
		page, err := s.Ledger(ctx, a, storage.RangeOptions{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, domain.DirectionReceiveAmbiguous, page.Items[0].Direction)
		assert.Equal(t, domain.Amount(70), page.Items[0].Value)
	}
	_, ok := ev.Addresses[synthetic]
	assert.False(t, ok)

	bal, err := s.Balance(ctx, synthetic)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), bal.UtxoCount)

	utxos, err := s.Utxos(ctx, synthetic, storage.RangeOptions{})
	require.NoError(t, err)
	require.Len(t, utxos.Items, 1)
	assert.Equal(t, domain.Amount(5), utxos.Items[0].Value)

	found, err := s.SearchAddresses(ctx, "#")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestLedgerAggregatesPerTransaction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := block(1, chainhash.Hash{}, 0, domain.TxEffect{
		Txid:    txid("split"),
		Outputs: []domain.OutputEffect{out(0, 10, "addr"), out(1, 15, "addr")},
	})
	_, err := s.ApplyBlock(ctx, b)
	require.NoError(t, err)

	page, err := s.Ledger(ctx, "addr", storage.RangeOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.Amount(25), page.Items[0].Value)
	assert.Equal(t, domain.DirectionReceive, page.Items[0].Direction)
}

func TestMissingReferencedOutputIsFatal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := block(1, chainhash.Hash{}, 0, domain.TxEffect{
		Txid:    txid("orphan"),
		Inputs:  []wire.OutPoint{spend("nowhere", 0)},
		Outputs: []domain.OutputEffect{out(0, 1, "addr")},
	})
	_, err := s.ApplyBlock(ctx, b)
	require.Error(t, err)
	assert.True(t, storage.IsConsistency(err))

	_, err = s.Tip(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyRejectsBadLinkage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b1 := block(1, chainhash.Hash{}, 0, domain.TxEffect{Txid: txid("t1")})
	_, err := s.ApplyBlock(ctx, b1)
	require.NoError(t, err)

	stray := block(2, txid("not-b1"), 1, domain.TxEffect{Txid: txid("t2")})
	_, err = s.ApplyBlock(ctx, stray)
	assert.ErrorIs(t, err, storage.ErrBadLinkage)

	gap := block(3, b1.Header.Hash, 1, domain.TxEffect{Txid: txid("t3")})
	_, err = s.ApplyBlock(ctx, gap)
	assert.ErrorIs(t, err, storage.ErrBadLinkage)

	err = s.RollbackBlock(ctx, stray)
	assert.ErrorIs(t, err, storage.ErrNotTip)
}

func TestRewriteHealsAggregates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b1 := block(1, chainhash.Hash{}, 0, domain.TxEffect{
		Txid: txid("r1"), Outputs: []domain.OutputEffect{out(0, 40, "addr1"), out(1, 2, "addr2")},
	})
	_, err := s.ApplyBlock(ctx, b1)
	require.NoError(t, err)
	b2 := next(b1, domain.TxEffect{
		Txid:    txid("r2"),
		Inputs:  []wire.OutPoint{spend("r1", 1)},
		Outputs: []domain.OutputEffect{out(0, 2, "addr1")},
	})
	_, err = s.ApplyBlock(ctx, b2)
	require.NoError(t, err)

	// simulate a torn aggregate write
	require.NoError(t, s.db.Put(balanceKey("addr1"), encodeBalance(&domain.Balance{Value: 999, UtxoCount: 7}), nil))
	require.NoError(t, s.db.Delete(ledgerKey("addr2", 2, domain.DirectionSpend), nil))

	require.NoError(t, s.RewriteBlock(ctx, b2))

	bal, err := s.Balance(ctx, "addr1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(42), bal.Value)
	assert.Equal(t, uint32(2), bal.UtxoCount)

	page, err := s.Ledger(ctx, "addr2", storage.RangeOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, domain.DirectionSpend, page.Items[1].Direction)

	requireBalancesMatchUnspent(t, s, "addr1", "addr2")
}

func TestRawBlockRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b1 := block(1, chainhash.Hash{}, 0, domain.TxEffect{Txid: txid("x1")})
	b2 := next(b1, domain.TxEffect{Txid: txid("x2")})
	b3 := next(b2, domain.TxEffect{Txid: txid("x3")})
	for _, b := range []*domain.BlockEffects{b1, b2, b3} {
		_, err := s.ApplyBlock(ctx, b)
		require.NoError(t, err)
	}

	raw, err := s.RawBlock(ctx, 2, b2.Header.Hash)
	require.NoError(t, err)
	assert.Equal(t, b2.Raw, raw.Data)

	n, err := s.PruneRawBlocks(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.RawBlock(ctx, 2, b2.Header.Hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.RawBlock(ctx, 3, b3.Header.Hash)
	assert.NoError(t, err)
}

func TestMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetMarker(ctx, "svc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutMarker(ctx, &domain.Marker{Consumer: "svc", Sequence: 42, RolledBack: true}))
	require.NoError(t, s.PutMarker(ctx, &domain.Marker{Consumer: "other", Sequence: 7}))

	m, err := s.GetMarker(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), m.Sequence)
	assert.True(t, m.RolledBack)

	all, err := s.ListMarkers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "other", all[0].Consumer)

	require.NoError(t, s.DeleteMarker(ctx, "svc"))
	all, err = s.ListMarkers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
