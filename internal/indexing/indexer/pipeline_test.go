package indexer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/indexing/emitter"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/p2p"
	"github.com/vietddude/blockstor/internal/infra/storage"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

var params = &chaincfg.RegressionNetParams

func testAddress(t *testing.T, seed byte) (string, []byte) {
	t.Helper()
	hash := bytes.Repeat([]byte{seed}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(hash, params)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return addr.EncodeAddress(), script
}

func coinbaseTx(height uint32, branch byte, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: math.MaxUint32},
		SignatureScript:  []byte{byte(height), byte(height >> 8), branch},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

func spendTx(prev chainhash.Hash, index uint32, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, index), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

func makeBlock(prev chainhash.Hash, height uint32, branch byte, txs ...*wire.MsgTx) *wire.MsgBlock {
	hdr := wire.NewBlockHeader(1, &prev, &chainhash.Hash{}, 0x207fffff, uint32(branch)<<24|height)
	hdr.Timestamp = time.Unix(int64(1700000000+height), 0)
	blk := wire.NewMsgBlock(hdr)
	for _, tx := range txs {
		blk.AddTransaction(tx)
	}
	return blk
}

func serialize(t *testing.T, blk *wire.MsgBlock) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, blk.Serialize(&buf))
	return buf.Bytes()
}

// fakeNode serves a best chain plus every block it has ever seen.
type fakeNode struct {
	t *testing.T

	mu     sync.Mutex
	best   []*wire.MsgBlock
	blocks map[chainhash.Hash][]byte
	err    error
	calls  atomic.Int32
}

func newFakeNode(t *testing.T, blocks ...*wire.MsgBlock) *fakeNode {
	n := &fakeNode{t: t, blocks: make(map[chainhash.Hash][]byte)}
	n.setBest(blocks...)
	return n
}

func (n *fakeNode) setBest(blocks ...*wire.MsgBlock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.best = blocks
	for _, b := range blocks {
		n.blocks[b.BlockHash()] = serialize(n.t, b)
	}
}

// forget drops a block from the node, as after it was pruned.
func (n *fakeNode) forget(hash chainhash.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocks, hash)
}

func (n *fakeNode) GetBlockCount(ctx context.Context) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return 0, n.err
	}
	return uint32(len(n.best) - 1), nil
}

func (n *fakeNode) GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return chainhash.Hash{}, n.err
	}
	if int(height) >= len(n.best) {
		return chainhash.Hash{}, chain.ErrNotFound
	}
	return n.best[height].BlockHash(), nil
}

func (n *fakeNode) GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	n.calls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	raw, ok := n.blocks[hash]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return raw, nil
}

func (n *fakeNode) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	return nil, nil
}

func (n *fakeNode) GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	return nil, chain.ErrNotFound
}

func (n *fakeNode) SendRawTransaction(ctx context.Context, raw []byte) (chainhash.Hash, error) {
	return chainhash.Hash{}, errors.New("not supported")
}

// fakeFetcher hands out pre-built blocks in order.
type fakeFetcher struct {
	blocks  []*wire.MsgBlock
	from    chainhash.Hash
	served  int
	stopped bool
}

func (f *fakeFetcher) Start(ctx context.Context, from chainhash.Hash) error {
	f.from = from
	for i, b := range f.blocks {
		if b.Header.PrevBlock == from {
			f.blocks = f.blocks[i:]
			return nil
		}
	}
	return p2p.ErrNoResponse
}

func (f *fakeFetcher) Next(ctx context.Context) (*p2p.Block, error) {
	if f.served >= len(f.blocks) {
		return nil, p2p.ErrNoResponse
	}
	b := f.blocks[f.served]
	f.served++
	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return nil, err
	}
	return &p2p.Block{Hash: b.BlockHash(), Msg: b, Raw: buf.Bytes()}, nil
}

func (f *fakeFetcher) Stop() { f.stopped = true }

type fakeMempool struct {
	resets  atomic.Int32
	updates atomic.Int32
}

func (m *fakeMempool) RequestReset()                    { m.resets.Add(1) }
func (m *fakeMempool) Update(ctx context.Context) error { m.updates.Add(1); return nil }

type harness struct {
	store     *leveldb.Store
	node      *fakeNode
	state     *SyncState
	markers   *marker.DefaultManager
	events    *emitter.Broadcaster
	sub       *emitter.Subscription
	mempool   *fakeMempool
	pipeline  *Pipeline
	addrA     string
	scriptA   []byte
	addrB     string
	scriptB   []byte
}

func newHarness(t *testing.T, store *leveldb.Store, node *fakeNode) *harness {
	t.Helper()
	if store == nil {
		var err error
		store, err = leveldb.OpenMem(leveldb.Config{RawBlocks: true})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}
	h := &harness{store: store, node: node, state: NewSyncState(), mempool: &fakeMempool{}}
	h.addrA, h.scriptA = testAddress(t, 0xaa)
	h.addrB, h.scriptB = testAddress(t, 0xbb)
	h.markers = marker.NewManager(store, h.state, []string{"wallet"})
	h.events = emitter.NewBroadcaster()
	h.sub = h.events.Subscribe(1024)
	h.pipeline = NewPipeline(Config{
		Node:         node,
		Store:        store,
		Markers:      h.markers,
		Emitter:      h.events,
		Params:       params,
		State:        h.state,
		Mempool:      h.mempool,
		ScanInterval: 10 * time.Millisecond,
		ApplyWorkers: 4,
	})
	return h
}

func (h *harness) drain() []emitter.Message {
	var out []emitter.Message
	for {
		select {
		case m := <-h.sub.C:
			out = append(out, m)
		default:
			return out
		}
	}
}

func kinds(msgs []emitter.Message, kind string) []emitter.Message {
	var out []emitter.Message
	for _, m := range msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// mainChain builds heights 0..3; block 2 spends block 1's coinbase to B.
func mainChain(t *testing.T, scriptA, scriptB []byte) []*wire.MsgBlock {
	t.Helper()
	var blocks []*wire.MsgBlock
	var prev chainhash.Hash
	for h := uint32(0); h < 4; h++ {
		txs := []*wire.MsgTx{coinbaseTx(h, 0, 50, scriptA)}
		if h == 2 {
			txs = append(txs, spendTx(blocks[1].Transactions[0].TxHash(), 0, 50, scriptB))
		}
		blk := makeBlock(prev, h, 0, txs...)
		blocks = append(blocks, blk)
		prev = blk.BlockHash()
	}
	return blocks
}

func requireBalance(t *testing.T, s storage.AddressStore, addr string, value domain.Amount, count uint32) {
	t.Helper()
	bal, err := s.Balance(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, value, bal.Value, "balance of %s", addr)
	assert.Equal(t, count, bal.UtxoCount, "utxo count of %s", addr)
}

func TestPipeline_SyncsFromGenesis(t *testing.T) {
	addrA, scriptA := testAddress(t, 0xaa)
	addrB, scriptB := testAddress(t, 0xbb)
	blocks := mainChain(t, scriptA, scriptB)
	h := newHarness(t, nil, newFakeNode(t, blocks...))

	require.NoError(t, h.pipeline.cycle(context.Background()))

	snap := h.pipeline.Snapshot()
	assert.Equal(t, domain.EngineStateSteady, snap.State)
	assert.Equal(t, domain.SyncStatusSynced, snap.Status)
	assert.True(t, snap.HasTip)
	assert.Equal(t, uint32(3), snap.Height)
	assert.Equal(t, blocks[3].BlockHash(), snap.Hash)
	assert.Equal(t, uint64(5), snap.Sequence)
	assert.Equal(t, uint32(3), snap.NodeHeight)

	requireBalance(t, h.store, addrA, 150, 3)
	requireBalance(t, h.store, addrB, 50, 1)

	msgs := h.drain()
	blockEvents := kinds(msgs, emitter.KindBlock)
	require.Len(t, blockEvents, 4)
	spendBlock := blockEvents[2].Payload.(*domain.BlockEvent)
	assert.Equal(t, uint32(2), spendBlock.Height)
	assert.Len(t, spendBlock.Txids, 2)
	require.Contains(t, spendBlock.Addresses, addrB)
	assert.Equal(t, domain.DirectionReceive, spendBlock.Addresses[addrB][0].Direction)
	require.Len(t, kinds(msgs, emitter.KindStatus), 1)

	assert.Equal(t, int32(1), h.mempool.resets.Load())
	assert.Len(t, h.pipeline.mempoolKick, 1)
}

func TestPipeline_SteadyCycleIsQuiet(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	_, scriptB := testAddress(t, 0xbb)
	h := newHarness(t, nil, newFakeNode(t, mainChain(t, scriptA, scriptB)...))

	ctx := context.Background()
	require.NoError(t, h.pipeline.cycle(ctx))
	h.drain()

	require.NoError(t, h.pipeline.cycle(ctx))
	assert.Empty(t, h.drain())
	assert.Equal(t, domain.EngineStateSteady, h.pipeline.Snapshot().State)
	assert.Equal(t, int32(1), h.mempool.resets.Load())
}

func TestPipeline_ReorgReplacesBlocks(t *testing.T) {
	addrA, scriptA := testAddress(t, 0xaa)
	addrB, scriptB := testAddress(t, 0xbb)
	blocks := mainChain(t, scriptA, scriptB)
	node := newFakeNode(t, blocks...)
	h := newHarness(t, nil, node)

	ctx := context.Background()
	require.NoError(t, h.pipeline.cycle(ctx))
	_, err := h.markers.Set(ctx, "wallet", 5)
	require.NoError(t, err)
	h.drain()

	// Node switches to a fork from height 2 without the spend, one block longer.
	fork := append([]*wire.MsgBlock{}, blocks[:2]...)
	prev := blocks[1].BlockHash()
	for height := uint32(2); height <= 4; height++ {
		blk := makeBlock(prev, height, 1, coinbaseTx(height, 1, 50, scriptA))
		fork = append(fork, blk)
		prev = blk.BlockHash()
	}
	node.setBest(fork...)

	require.NoError(t, h.pipeline.cycle(ctx))

	snap := h.pipeline.Snapshot()
	assert.Equal(t, uint32(4), snap.Height)
	assert.Equal(t, fork[4].BlockHash(), snap.Hash)
	assert.Equal(t, uint64(5), snap.Sequence)
	assert.Equal(t, domain.SyncStatusSynced, snap.Status)

	requireBalance(t, h.store, addrA, 250, 5)
	requireBalance(t, h.store, addrB, 0, 0)

	msgs := h.drain()
	rollbacks := kinds(msgs, emitter.KindRollback)
	require.Len(t, rollbacks, 2)
	assert.Equal(t, uint32(3), rollbacks[0].Payload.(*domain.RollbackEvent).Height)
	assert.Equal(t, uint32(2), rollbacks[1].Payload.(*domain.RollbackEvent).Height)
	assert.Len(t, kinds(msgs, emitter.KindBlock), 3)

	var statuses []domain.SyncStatus
	for _, m := range kinds(msgs, emitter.KindStatus) {
		statuses = append(statuses, m.Payload.(*domain.StatusEvent).Status)
	}
	assert.Equal(t, []domain.SyncStatus{
		domain.SyncStatusRollbacking,
		domain.SyncStatusSyncing,
		domain.SyncStatusSynced,
	}, statuses)

	// The marker was pulled back to the common ancestor's sequence.
	mk, err := h.markers.Get(ctx, "wallet")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), mk.Sequence)
	assert.True(t, mk.RolledBack)

	_, err = h.markers.Set(ctx, "wallet", 5)
	var mismatch *marker.SequenceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, uint64(2), mismatch.Authoritative)
}

func TestPipeline_FailedRollbackReleasesMarkers(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	_, scriptB := testAddress(t, 0xbb)
	blocks := mainChain(t, scriptA, scriptB)
	node := newFakeNode(t, blocks...)

	store, err := leveldb.OpenMem(leveldb.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h := newHarness(t, store, node)

	ctx := context.Background()
	require.NoError(t, h.pipeline.cycle(ctx))
	_, err = h.markers.Set(ctx, "wallet", 5)
	require.NoError(t, err)

	// The node reorgs block 3 away and can no longer serve it, so the
	// rollback cannot rebuild its effects.
	alt := makeBlock(blocks[2].BlockHash(), 3, 2, coinbaseTx(3, 2, 70, scriptB))
	node.setBest(append(append([]*wire.MsgBlock{}, blocks[:3]...), alt)...)
	node.forget(blocks[3].BlockHash())

	require.Error(t, h.pipeline.cycle(ctx))
	_, err = h.markers.Set(ctx, "wallet", 3)
	require.ErrorIs(t, err, marker.ErrRollbackInProgress)

	// The node switches back to the indexed chain.
	node.setBest(blocks...)
	require.NoError(t, h.pipeline.cycle(ctx))

	snap := h.pipeline.Snapshot()
	assert.Equal(t, domain.EngineStateSteady, snap.State)
	assert.Equal(t, uint32(3), snap.Height)
	assert.Equal(t, uint64(5), snap.Sequence)
	assert.False(t, h.markers.Fenced())

	mk, err := h.markers.Set(ctx, "wallet", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), mk.Sequence)
}

func TestPipeline_ReorgMatchesDirectApply(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	_, scriptB := testAddress(t, 0xbb)
	blocks := mainChain(t, scriptA, scriptB)
	alt := makeBlock(blocks[2].BlockHash(), 3, 2, coinbaseTx(3, 2, 70, scriptB))

	node := newFakeNode(t, blocks...)
	reorged := newHarness(t, nil, node)
	ctx := context.Background()
	require.NoError(t, reorged.pipeline.cycle(ctx))
	node.setBest(append(append([]*wire.MsgBlock{}, blocks[:3]...), alt)...)
	require.NoError(t, reorged.pipeline.cycle(ctx))

	direct := newHarness(t, nil, newFakeNode(t, append(append([]*wire.MsgBlock{}, blocks[:3]...), alt)...))
	require.NoError(t, direct.pipeline.cycle(ctx))

	for _, addr := range []string{reorged.addrA, reorged.addrB} {
		a, err := reorged.store.Balance(ctx, addr)
		require.NoError(t, err)
		b, err := direct.store.Balance(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, b, a, addr)
	}
	assert.Equal(t, direct.pipeline.Snapshot().Sequence, reorged.pipeline.Snapshot().Sequence)
}

func TestPipeline_StartupRewriteRestoresTip(t *testing.T) {
	addrA, scriptA := testAddress(t, 0xaa)
	addrB, scriptB := testAddress(t, 0xbb)
	blocks := mainChain(t, scriptA, scriptB)
	node := newFakeNode(t, blocks...)

	first := newHarness(t, nil, node)
	ctx := context.Background()
	require.NoError(t, first.pipeline.cycle(ctx))

	second := newHarness(t, first.store, node)
	require.NoError(t, second.pipeline.startup(ctx))

	snap := second.pipeline.Snapshot()
	assert.True(t, snap.HasTip)
	assert.Equal(t, uint32(3), snap.Height)
	assert.Equal(t, uint64(5), snap.Sequence)
	requireBalance(t, second.store, addrA, 150, 3)
	requireBalance(t, second.store, addrB, 50, 1)

	// Retained raw blocks mean the rewrite never asked the node.
	before := node.calls.Load()
	require.NoError(t, second.pipeline.cycle(ctx))
	assert.Equal(t, before, node.calls.Load())
}

func TestPipeline_PrevMismatchIsNotApplied(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	_, scriptB := testAddress(t, 0xbb)
	blocks := mainChain(t, scriptA, scriptB)
	node := newFakeNode(t, blocks...)
	h := newHarness(t, nil, node)

	ctx := context.Background()
	require.NoError(t, h.pipeline.cycle(ctx))

	orphan := makeBlock(chainhash.DoubleHashH([]byte("elsewhere")), 4, 3, coinbaseTx(4, 3, 50, scriptA))
	node.setBest(append(append([]*wire.MsgBlock{}, blocks...), orphan)...)

	require.NoError(t, h.pipeline.cycle(ctx))
	snap := h.pipeline.Snapshot()
	assert.Equal(t, uint32(3), snap.Height)
	assert.Equal(t, domain.EngineStateSyncing, snap.State)
}

func TestPipeline_NodeErrorEndsCycle(t *testing.T) {
	node := newFakeNode(t)
	node.err = errors.New("connection refused")
	h := newHarness(t, nil, node)

	err := h.pipeline.cycle(context.Background())
	require.Error(t, err)
	assert.False(t, storage.IsConsistency(err))
	assert.False(t, h.pipeline.Snapshot().HasTip)
}

func TestPipeline_BulkSyncFromPeer(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	var blocks []*wire.MsgBlock
	var prev chainhash.Hash
	for height := uint32(0); height <= 6; height++ {
		blk := makeBlock(prev, height, 0, coinbaseTx(height, 0, 50, scriptA))
		blocks = append(blocks, blk)
		prev = blk.BlockHash()
	}
	node := newFakeNode(t, blocks...)

	fetcher := &fakeFetcher{blocks: blocks[1:]}
	h := newHarness(t, nil, node)
	h.pipeline.cfg.NewFetcher = func() BlockFetcher { return fetcher }
	h.pipeline.cfg.BulkThreshold = 2

	require.NoError(t, h.pipeline.cycle(context.Background()))

	assert.Equal(t, blocks[0].BlockHash(), fetcher.from)
	// heights 1..4 from the peer, 5 and 6 over rpc
	assert.Equal(t, 4, fetcher.served)
	assert.True(t, fetcher.stopped)
	assert.Equal(t, uint32(6), h.pipeline.Snapshot().Height)
	assert.Equal(t, int32(3), node.calls.Load())
}

func TestPipeline_PeerFailureFallsBackToRPC(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	var blocks []*wire.MsgBlock
	var prev chainhash.Hash
	for height := uint32(0); height <= 5; height++ {
		blk := makeBlock(prev, height, 0, coinbaseTx(height, 0, 50, scriptA))
		blocks = append(blocks, blk)
		prev = blk.BlockHash()
	}
	h := newHarness(t, nil, newFakeNode(t, blocks...))
	sessions := 0
	h.pipeline.cfg.NewFetcher = func() BlockFetcher {
		sessions++
		return &fakeFetcher{}
	}
	h.pipeline.cfg.BulkThreshold = 1

	require.NoError(t, h.pipeline.cycle(context.Background()))
	assert.Equal(t, 1, sessions)
	assert.Equal(t, uint32(5), h.pipeline.Snapshot().Height)
}

func TestPipeline_MissingOutputIsFatal(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	genesis := makeBlock(chainhash.Hash{}, 0, 0, coinbaseTx(0, 0, 50, scriptA))
	bad := makeBlock(genesis.BlockHash(), 1, 0,
		coinbaseTx(1, 0, 50, scriptA),
		spendTx(chainhash.DoubleHashH([]byte("nowhere")), 0, 10, scriptA),
	)
	h := newHarness(t, nil, newFakeNode(t, genesis, bad))

	err := h.pipeline.Start(context.Background())
	require.Error(t, err)
	assert.True(t, storage.IsConsistency(err))
	assert.Equal(t, uint32(0), h.pipeline.Snapshot().Height)
	assert.Equal(t, domain.EngineStateStopped, h.pipeline.Snapshot().State)
}

func TestPipeline_StartStop(t *testing.T) {
	_, scriptA := testAddress(t, 0xaa)
	_, scriptB := testAddress(t, 0xbb)
	h := newHarness(t, nil, newFakeNode(t, mainChain(t, scriptA, scriptB)...))

	done := make(chan error, 1)
	go func() { done <- h.pipeline.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.pipeline.Snapshot().State == domain.EngineStateSteady && h.mempool.updates.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.pipeline.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, domain.EngineStateStopped, h.pipeline.Snapshot().State)
	assert.True(t, h.state.Aborting())

	require.NoError(t, h.pipeline.Start(context.Background()))
}
