// Package mempool tracks the node's unconfirmed transactions against the
// confirmed index.
//
// Each Update diffs the node's pool against the cached set, fetches and
// parses only the transactions it has not seen, and republishes a
// per-address unconfirmed view. Spends of confirmed outputs are resolved
// once per transaction; spends of other unconfirmed outputs are provisional
// and re-resolved every cycle, since the parent may leave the pool.
//
// A reset drops every resolution but keeps parsed transactions that are
// still in the pool. The engine requests one after each applied block.
package mempool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/indexing/emitter"
	"github.com/vietddude/blockstor/internal/indexing/metrics"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/chain/bitcoin"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// ErrBusy is returned by Update when another cycle is in flight.
var ErrBusy = errors.New("mempool update already running")

const defaultWorkers = 8

// Viewer serves the published unconfirmed view.
type Viewer interface {
	View(address string) domain.UnconfirmedView
}

// Config holds the reconciler's collaborators.
type Config struct {
	Node    chain.Node
	Outputs storage.OutputStore
	Emitter emitter.Emitter
	Params  *chaincfg.Params
	// Workers bounds concurrent raw transaction fetches and input lookups.
	Workers int
}

// Reconciler implements indexer.MempoolUpdater and Viewer.
type Reconciler struct {
	cfg Config
	log *slog.Logger

	running      atomic.Bool
	resetPending atomic.Bool

	// entries is owned by the running cycle.
	entries map[chainhash.Hash]*entry

	mu   sync.RWMutex
	view map[string]*domain.UnconfirmedView
	size int
}

var _ Viewer = (*Reconciler)(nil)

// entry is one parsed pool transaction.
type entry struct {
	txid    chainhash.Hash
	tx      *wire.MsgTx
	outputs []domain.OutputEffect

	// resolved is false until the inputs have been looked up in storage.
	resolved  bool
	confirmed bool
	spends    []confirmedSpend
	pending   []wire.OutPoint

	// announced is set once the entry's event has been emitted.
	announced bool
	event     *domain.MempoolEvent
}

type confirmedSpend struct {
	prev   wire.OutPoint
	value  domain.Amount
	owners []string
}

// New creates a reconciler with an empty view.
func New(cfg Config) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emitter.MultiEmitter(nil)
	}
	return &Reconciler{
		cfg:     cfg,
		log:     slog.Default().With("component", "mempool"),
		entries: make(map[chainhash.Hash]*entry),
		view:    make(map[string]*domain.UnconfirmedView),
	}
}

// RequestReset schedules a reset for the next cycle. A cycle already in
// flight is not interrupted.
func (r *Reconciler) RequestReset() {
	r.resetPending.Store(true)
}

// Size returns the number of transactions in the published view.
func (r *Reconciler) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// View returns a copy of the address's unconfirmed view. Slices are never nil.
func (r *Reconciler) View(address string) domain.UnconfirmedView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := domain.UnconfirmedView{
		Outputs: []domain.UnconfirmedOutput{},
		Spends:  []domain.UnconfirmedSpend{},
	}
	if v, ok := r.view[address]; ok {
		out.Outputs = append(out.Outputs, v.Outputs...)
		out.Spends = append(out.Spends, v.Spends...)
		out.Ambiguous = v.Ambiguous
	}
	return out
}

// Update runs one reconciliation cycle. A reset requested while it runs is
// honored by the next cycle; a failed cycle keeps its reset pending.
func (r *Reconciler) Update(ctx context.Context) (err error) {
	if !r.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer r.running.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}

	reset := r.resetPending.Swap(false)
	defer func() {
		if err != nil && reset {
			r.resetPending.Store(true)
		}
	}()

	ids, err := r.cfg.Node.GetRawMempool(ctx)
	if err != nil {
		return fmt.Errorf("failed to get raw mempool: %w", err)
	}

	r.prune(ids, reset)

	if err := r.fetch(ctx, ids); err != nil {
		return err
	}
	if err := r.resolve(ctx); err != nil {
		return err
	}

	view, fresh := r.build()
	r.publish(view)

	for _, e := range fresh {
		r.announce(ctx, e)
	}

	r.log.Debug("mempool updated",
		"txs", len(r.entries),
		"new", len(fresh),
		"reset", reset,
	)
	return nil
}

// prune drops entries that left the pool. On reset the survivors lose their
// input resolutions but keep the parsed transaction.
func (r *Reconciler) prune(ids []chainhash.Hash, reset bool) {
	present := make(map[chainhash.Hash]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	for id, e := range r.entries {
		if _, ok := present[id]; !ok {
			delete(r.entries, id)
			continue
		}
		if reset {
			e.resolved = false
			e.confirmed = false
			e.spends = nil
			e.pending = nil
		}
	}
}

// fetch parses every id not yet cached. Transactions that vanished between
// the pool listing and the fetch are skipped.
func (r *Reconciler) fetch(ctx context.Context, ids []chainhash.Hash) error {
	var missing []chainhash.Hash
	for _, id := range ids {
		if _, ok := r.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	parsed := make([]*entry, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, id := range missing {
		g.Go(func() error {
			raw, err := r.cfg.Node.GetRawTransaction(gctx, id)
			if errors.Is(err, chain.ErrNotFound) {
				r.log.Debug("mempool tx gone before fetch", "txid", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get raw transaction %s: %w", id, err)
			}
			e, err := r.parse(id, raw)
			if err != nil {
				r.log.Warn("failed to parse mempool tx", "txid", id, "err", err)
				return nil
			}
			parsed[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range parsed {
		if e != nil {
			r.entries[e.txid] = e
		}
	}
	return nil
}

func (r *Reconciler) parse(id chainhash.Hash, raw []byte) (*entry, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	if got := tx.TxHash(); got != id {
		return nil, fmt.Errorf("node returned tx %s", got)
	}

	e := &entry{
		txid:    id,
		tx:      &tx,
		outputs: make([]domain.OutputEffect, 0, len(tx.TxOut)),
	}
	for n, out := range tx.TxOut {
		if out.Value < 0 {
			return nil, fmt.Errorf("output %d has negative value", n)
		}
		e.outputs = append(e.outputs, domain.OutputEffect{
			Index:  uint32(n),
			Value:  domain.Amount(out.Value),
			Owners: bitcoin.ResolveOwners(out.PkScript, id, uint32(n), r.cfg.Params),
		})
	}
	return e, nil
}

// resolve looks up the inputs of every unresolved entry in confirmed
// storage. Inputs not found there are kept as pending and matched against
// the pool when the view is built.
func (r *Reconciler) resolve(ctx context.Context) error {
	var todo []*entry
	for _, e := range r.entries {
		if !e.resolved {
			todo = append(todo, e)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, e := range todo {
		g.Go(func() error {
			return r.resolveEntry(gctx, e)
		})
	}
	return g.Wait()
}

func (r *Reconciler) resolveEntry(ctx context.Context, e *entry) error {
	_, err := r.cfg.Outputs.Transaction(ctx, e.txid)
	switch {
	case err == nil:
		e.confirmed = true
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to look up tx %s: %w", e.txid, err)
	}

	var spends []confirmedSpend
	var pending []wire.OutPoint
	if !blockchain.IsCoinBaseTx(e.tx) {
		for _, in := range e.tx.TxIn {
			prev := in.PreviousOutPoint
			out, err := r.cfg.Outputs.TxOutput(ctx, prev.Hash, prev.Index)
			if errors.Is(err, storage.ErrNotFound) {
				pending = append(pending, prev)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to look up output %s: %w", prev, err)
			}
			spends = append(spends, confirmedSpend{
				prev:   prev,
				value:  out.Value,
				owners: out.Owners,
			})
		}
	}

	e.spends = spends
	e.pending = pending
	e.resolved = true
	return nil
}

func (r *Reconciler) publish(view map[string]*domain.UnconfirmedView) {
	r.mu.Lock()
	r.view = view
	r.size = len(r.entries)
	r.mu.Unlock()

	metrics.MempoolTransactions.Set(float64(len(r.entries)))
}

// sortedEntries returns the cached entries in txid order.
func (r *Reconciler) sortedEntries() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int {
		return bytes.Compare(a.txid[:], b.txid[:])
	})
	return out
}
