package query

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// UtxoOptions extends the range options with the mempool merge flag.
type UtxoOptions struct {
	storage.RangeOptions

	// Unconf drops confirmed outputs already spent in the mempool and
	// appends the address's unspent mempool outputs after the page.
	Unconf bool
}

// Utxos returns one page of an address's unspent outputs.
func (s *Service) Utxos(ctx context.Context, address string, opts UtxoOptions) (storage.Page[domain.Utxo], error) {
	page, err := s.cfg.Store.Utxos(ctx, address, s.withDefaultLimit(opts.RangeOptions))
	if err != nil || !opts.Unconf {
		return page, err
	}
	return mergeUnconfirmed(address, page, s.Unconfirmed(address)), nil
}

// UtxosMulti runs Utxos for several addresses and returns the pages in
// request order.
func (s *Service) UtxosMulti(ctx context.Context, addresses []string, opts UtxoOptions) ([]storage.Page[domain.Utxo], error) {
	out := make([]storage.Page[domain.Utxo], len(addresses))
	err := fanOut(ctx, addresses, func(ctx context.Context, i int, addr string) error {
		page, err := s.Utxos(ctx, addr, opts)
		if err != nil {
			return fmt.Errorf("utxos of %s: %w", addr, err)
		}
		out[i] = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mergeUnconfirmed(address string, page storage.Page[domain.Utxo], view domain.UnconfirmedView) storage.Page[domain.Utxo] {
	spent := make(map[wire.OutPoint]struct{}, len(view.Spends))
	for _, sp := range view.Spends {
		spent[wire.OutPoint{Hash: sp.SpentTxid, Index: sp.SpentN}] = struct{}{}
	}

	items := make([]domain.Utxo, 0, len(page.Items)+len(view.Outputs))
	for _, u := range page.Items {
		if _, ok := spent[wire.OutPoint{Hash: u.Txid, Index: u.Index}]; ok {
			continue
		}
		items = append(items, u)
	}
	for _, o := range view.Outputs {
		if _, ok := spent[wire.OutPoint{Hash: o.Txid, Index: o.Index}]; ok {
			continue
		}
		items = append(items, domain.Utxo{
			Address: address,
			Txid:    o.Txid,
			Index:   o.Index,
			Value:   o.Value,
			Unconf:  true,
		})
	}
	page.Items = items
	return page
}
