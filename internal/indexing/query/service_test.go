package query

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/storage"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

func txid(name string) chainhash.Hash {
	return chainhash.DoubleHashH([]byte(name))
}

type fixedStatus domain.SyncSnapshot

func (s fixedStatus) Snapshot() domain.SyncSnapshot { return domain.SyncSnapshot(s) }

type fakeViewer map[string]domain.UnconfirmedView

func (v fakeViewer) View(address string) domain.UnconfirmedView { return v[address] }

type fakeNode struct {
	chain.Node

	entered chan struct{}
	release chan struct{}
	raw     map[chainhash.Hash][]byte
}

func (n *fakeNode) SendRawTransaction(ctx context.Context, rawTx []byte) (chainhash.Hash, error) {
	if n.entered != nil {
		n.entered <- struct{}{}
		<-n.release
	}
	return chainhash.DoubleHashH(rawTx), nil
}

func (n *fakeNode) GetRawTransaction(ctx context.Context, id chainhash.Hash) ([]byte, error) {
	raw, ok := n.raw[id]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return raw, nil
}

// seedStore indexes two blocks:
//
//	0: A pays addr1 50 and 20, C pays addr3 7
//	1: B spends A:0 to addr2
func seedStore(t *testing.T) *leveldb.Store {
	t.Helper()
	ctx := context.Background()
	s, err := leveldb.OpenMem(leveldb.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b0 := &domain.BlockEffects{
		Header: domain.BlockHeader{Height: 0, Hash: txid("block0"), Time: 1700000000, TxCount: 2},
		Txs: []domain.TxEffect{
			{
				Txid:     txid("A"),
				Sequence: 1,
				Outputs: []domain.OutputEffect{
					{Index: 0, Value: 50, Owners: []string{"addr1"}},
					{Index: 1, Value: 20, Owners: []string{"addr1"}},
				},
			},
			{
				Txid:     txid("C"),
				Sequence: 2,
				Outputs:  []domain.OutputEffect{{Index: 0, Value: 7, Owners: []string{"addr3"}}},
			},
		},
	}
	_, err = s.ApplyBlock(ctx, b0)
	require.NoError(t, err)

	b1 := &domain.BlockEffects{
		Header: domain.BlockHeader{Height: 1, Hash: txid("block1"), Time: 1700000600, StartSequence: 2, TxCount: 1},
		Prev:   txid("block0"),
		Txs: []domain.TxEffect{
			{
				Txid:     txid("B"),
				Sequence: 3,
				Inputs:   []wire.OutPoint{{Hash: txid("A"), Index: 0}},
				Outputs:  []domain.OutputEffect{{Index: 0, Value: 50, Owners: []string{"addr2"}}},
			},
		},
	}
	_, err = s.ApplyBlock(ctx, b1)
	require.NoError(t, err)
	return s
}

func newService(t *testing.T, cfg Config) *Service {
	t.Helper()
	store := seedStore(t)
	status := fixedStatus{State: domain.EngineStateSteady, Status: domain.SyncStatusSynced, HasTip: true, Height: 1, Sequence: 3}
	cfg.Store = store
	cfg.Status = status
	cfg.Markers = marker.NewManager(store, status, []string{"api"})
	if cfg.Node == nil {
		cfg.Node = &fakeNode{}
	}
	return New(cfg)
}

func TestService_Balances(t *testing.T) {
	svc := newService(t, Config{})
	ctx := context.Background()

	bal, err := svc.Balance(ctx, "addr1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(20), bal.Value)
	assert.Equal(t, uint32(1), bal.UtxoCount)

	all, err := svc.Balances(ctx, []string{"addr2", "nobody", "addr3"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Balance{
		{Address: "addr2", Value: 50, UtxoCount: 1},
		{Address: "nobody"},
		{Address: "addr3", Value: 7, UtxoCount: 1},
	}, all)
}

func TestService_UtxosWithoutUnconf(t *testing.T) {
	svc := newService(t, Config{Mempool: fakeViewer{
		"addr1": {Outputs: []domain.UnconfirmedOutput{{Txid: txid("M"), Value: 5}}},
	}})

	page, err := svc.Utxos(context.Background(), "addr1", UtxoOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, txid("A"), page.Items[0].Txid)
	assert.Equal(t, uint32(1), page.Items[0].Index)
	assert.False(t, page.Items[0].Unconf)
}

func TestService_UtxosMergesMempool(t *testing.T) {
	svc := newService(t, Config{Mempool: fakeViewer{
		"addr1": {
			Outputs: []domain.UnconfirmedOutput{
				{Txid: txid("M"), Index: 0, Value: 5},
				{Txid: txid("N"), Index: 0, Value: 9},
			},
			Spends: []domain.UnconfirmedSpend{
				{Txid: txid("M"), SpentTxid: txid("A"), SpentN: 1, Value: 20},
				{Txid: txid("O"), SpentTxid: txid("N"), SpentN: 0, Value: 9, Chained: true},
			},
		},
	}})

	page, err := svc.Utxos(context.Background(), "addr1", UtxoOptions{Unconf: true})
	require.NoError(t, err)
	assert.Equal(t, []domain.Utxo{
		{Address: "addr1", Txid: txid("M"), Index: 0, Value: 5, Unconf: true},
	}, page.Items)
}

func TestService_UtxosMulti(t *testing.T) {
	svc := newService(t, Config{})

	pages, err := svc.UtxosMulti(context.Background(), []string{"addr3", "addr2"}, UtxoOptions{Unconf: true})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Len(t, pages[0].Items, 1)
	assert.Equal(t, txid("C"), pages[0].Items[0].Txid)
	require.Len(t, pages[1].Items, 1)
	assert.Equal(t, txid("B"), pages[1].Items[0].Txid)
}

func TestService_Ledger(t *testing.T) {
	svc := newService(t, Config{})

	page, err := svc.Ledger(context.Background(), "addr1", storage.RangeOptions{Reverse: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, uint64(3), page.Items[0].Sequence)
	assert.Equal(t, domain.DirectionSpend, page.Items[0].Direction)
	assert.Equal(t, domain.Amount(50), page.Items[0].Value)
	assert.Equal(t, uint64(1), page.Items[1].Sequence)
	assert.Equal(t, domain.Amount(70), page.Items[1].Value)
}

func TestService_RangeDefault(t *testing.T) {
	svc := newService(t, Config{RangeDefault: 1})
	ctx := context.Background()

	page, err := svc.Ledger(ctx, "addr1", storage.RangeOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, uint64(1), page.Items[0].Sequence)

	page, err = svc.Ledger(ctx, "addr1", storage.RangeOptions{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestService_Lookups(t *testing.T) {
	svc := newService(t, Config{})
	ctx := context.Background()

	tx, err := svc.Transaction(ctx, txid("B"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tx.Height)
	assert.Equal(t, uint64(3), tx.Sequence)

	out, err := svc.Output(ctx, txid("A"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"addr1"}, out.Owners)

	hdr, err := svc.BlockHeader(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, txid("block1"), hdr.Hash)

	_, err = svc.BlockHeader(ctx, 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Transaction(ctx, txid("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, domain.SyncStatusSynced, svc.Status().Status)
}

func TestService_Search(t *testing.T) {
	svc := newService(t, Config{})
	ctx := context.Background()

	res, err := svc.Search(ctx, "addr")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"addr1", "addr2", "addr3"}, res.Addresses)
	assert.Empty(t, res.Transactions)

	prefix := txid("C").String()[:9]
	res, err = svc.Search(ctx, prefix)
	require.NoError(t, err)
	assert.Empty(t, res.Addresses)
	assert.Equal(t, []chainhash.Hash{txid("C")}, res.Transactions)

	_, err = svc.Search(ctx, "")
	assert.ErrorIs(t, err, storage.ErrInvalidPrefix)
}

func TestService_Markers(t *testing.T) {
	svc := newService(t, Config{})
	ctx := context.Background()

	m, err := svc.SetMarker(ctx, "api", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Sequence)

	m, err = svc.Marker(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Sequence)

	_, err = svc.SetMarker(ctx, "other", 1)
	assert.ErrorIs(t, err, marker.ErrUnknownConsumer)

	_, err = svc.SetMarker(ctx, "api", 9)
	var mismatch *marker.SequenceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, uint64(3), mismatch.Authoritative)
}

func TestService_LimiterRejectsWhenFull(t *testing.T) {
	node := &fakeNode{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		raw:     map[chainhash.Hash][]byte{txid("A"): {0x01}},
	}
	svc := newService(t, Config{Node: node, ExternalConcurrency: 1})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Broadcast(ctx, []byte{0xbe, 0xef})
		done <- err
	}()
	<-node.entered

	_, err := svc.Broadcast(ctx, []byte{0x01})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = svc.RawTransaction(ctx, txid("A"))
	assert.ErrorIs(t, err, ErrBusy)

	close(node.release)
	require.NoError(t, <-done)

	node.entered = nil
	raw, err := svc.RawTransaction(ctx, txid("A"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, raw)

	_, err = svc.RawTransaction(ctx, txid("missing"))
	assert.True(t, errors.Is(err, chain.ErrNotFound))
}

func TestService_UnconfirmedWithoutMempool(t *testing.T) {
	svc := newService(t, Config{})
	view := svc.Unconfirmed("addr1")
	assert.NotNil(t, view.Outputs)
	assert.NotNil(t, view.Spends)
}
