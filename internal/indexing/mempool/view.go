package mempool

import (
	"context"
	"math"

	"github.com/btcsuite/btcd/wire"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/indexing/metrics"
)

// build derives the per-address view from the cached entries and returns
// the entries that have not been announced yet. Entries are walked in txid
// order so the view does not depend on arrival order. Transactions already
// in the confirmed index are left out entirely.
func (r *Reconciler) build() (map[string]*domain.UnconfirmedView, []*entry) {
	entries := r.sortedEntries()

	pool := make(map[wire.OutPoint]domain.OutputEffect)
	for _, e := range entries {
		if e.confirmed {
			continue
		}
		for _, out := range e.outputs {
			pool[wire.OutPoint{Hash: e.txid, Index: out.Index}] = out
		}
	}

	view := make(map[string]*domain.UnconfirmedView)
	get := func(addr string) *domain.UnconfirmedView {
		v, ok := view[addr]
		if !ok {
			v = &domain.UnconfirmedView{}
			view[addr] = v
		}
		return v
	}

	var fresh []*entry
	for _, e := range entries {
		if e.confirmed {
			e.announced = true
			continue
		}
		d := make(deltas)

		for _, out := range e.outputs {
			ambiguous := len(out.Owners) > 1
			for _, owner := range out.Owners {
				v := get(owner)
				v.Outputs = append(v.Outputs, domain.UnconfirmedOutput{
					Txid:      e.txid,
					Index:     out.Index,
					Value:     out.Value,
					Ambiguous: ambiguous,
				})
				if ambiguous {
					v.Ambiguous = true
				}
				d.in(owner, out.Value)
			}
		}

		for _, s := range e.spends {
			for _, owner := range s.owners {
				v := get(owner)
				v.Spends = append(v.Spends, domain.UnconfirmedSpend{
					Txid:      e.txid,
					SpentTxid: s.prev.Hash,
					SpentN:    s.prev.Index,
					Value:     s.value,
				})
				d.out(owner, s.value)
			}
		}

		for _, prev := range e.pending {
			parent, ok := pool[prev]
			if !ok {
				if !e.announced {
					r.log.Debug("mempool input not found", "txid", e.txid, "prev", prev)
					metrics.MempoolUnresolvedInputs.Inc()
				}
				continue
			}
			for _, owner := range parent.Owners {
				v := get(owner)
				v.Spends = append(v.Spends, domain.UnconfirmedSpend{
					Txid:      e.txid,
					SpentTxid: prev.Hash,
					SpentN:    prev.Index,
					Value:     parent.Value,
					Chained:   true,
				})
				d.out(owner, parent.Value)
			}
		}

		if !e.announced {
			fresh = append(fresh, e)
			e.event = &domain.MempoolEvent{Txid: e.txid, Addresses: d}
		}
	}
	return view, fresh
}

func (r *Reconciler) announce(ctx context.Context, e *entry) {
	e.announced = true
	ev := e.event
	e.event = nil
	if err := r.cfg.Emitter.EmitMempool(ctx, ev); err != nil {
		r.log.Warn("failed to emit mempool event", "txid", e.txid, "err", err)
	}
}

// deltas accumulates net unconfirmed movement per address.
type deltas map[string]domain.MempoolDelta

func (d deltas) in(addr string, v domain.Amount) {
	m := d[addr]
	m.In = saturatingAdd(m.In, v)
	d[addr] = m
}

func (d deltas) out(addr string, v domain.Amount) {
	m := d[addr]
	m.Out = saturatingAdd(m.Out, v)
	d[addr] = m
}

func saturatingAdd(a, b domain.Amount) domain.Amount {
	sum, err := a.Add(b)
	if err != nil {
		return math.MaxUint64
	}
	return sum
}
