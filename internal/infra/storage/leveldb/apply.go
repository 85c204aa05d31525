package leveldb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// ApplyBlock records fx on top of the current tip. Outputs of every
// transaction are written before any input is resolved, because an input
// may spend an output created earlier in the same block.
func (s *Store) ApplyBlock(ctx context.Context, fx *domain.BlockEffects) (*domain.BlockEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkExtendsTip(ctx, fx); err != nil {
		return nil, err
	}

	b := s.newBatch()
	ledger := newLedgerSet()
	hdr := fx.Header

	for _, tx := range fx.Txs {
		b.put(transactionKey(tx.Txid), encodeTransaction(&domain.TxRecord{
			Txid:     tx.Txid,
			Height:   hdr.Height,
			Time:     hdr.Time,
			Sequence: tx.Sequence,
		}))
		for _, out := range tx.Outputs {
			if err := s.applyOutput(b, ledger, &tx, &out); err != nil {
				return nil, err
			}
		}
	}

	spent, err := s.resolveInputs(ctx, b, fx.Txs)
	if err != nil {
		return nil, err
	}
	for i, tx := range fx.Txs {
		for j, op := range tx.Inputs {
			prev := spent[i][j]
			for _, owner := range prev.Owners {
				key := unspentKey(owner, prev.Sequence, op.Hash, op.Index)
				if _, err := b.get(key); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return nil, &storage.ConsistencyError{Kind: "unspent output missing", Key: op.String()}
					}
					return nil, err
				}
				b.delete(key)
				if domain.IsSynthetic(owner) {
					continue
				}
				if err := b.debit(owner, prev.Value); err != nil {
					return nil, err
				}
				if err := ledger.add(owner, tx.Sequence, domain.DirectionSpend, tx.Txid, prev.Value); err != nil {
					return nil, err
				}
			}
		}
	}

	ledger.write(b)
	b.put(blockKey(hdr.Height), encodeHeader(&hdr))
	if s.cfg.RawBlocks && len(fx.Raw) > 0 {
		b.put(rawBlockKey(hdr.Height, hdr.Hash), encodeRawBlock(fx.Raw, time.Now()))
	}

	if err := b.commit(); err != nil {
		return nil, fmt.Errorf("failed to commit block %d: %w", hdr.Height, err)
	}

	event := &domain.BlockEvent{
		Height:    hdr.Height,
		Hash:      hdr.Hash,
		Time:      hdr.Time,
		Sequence:  hdr.EndSequence(),
		Txids:     make([]chainhash.Hash, 0, len(fx.Txs)),
		Addresses: ledger.byAddress(),
	}
	for _, tx := range fx.Txs {
		event.Txids = append(event.Txids, tx.Txid)
	}
	return event, nil
}

func (s *Store) applyOutput(b *batch, ledger *ledgerSet, tx *domain.TxEffect, out *domain.OutputEffect) error {
	b.put(txOutputKey(tx.Txid, out.Index), encodeTxOutput(&domain.TxOutput{
		Txid:     tx.Txid,
		Index:    out.Index,
		Sequence: tx.Sequence,
		Value:    out.Value,
		Owners:   out.Owners,
	}))
	dir := domain.DirectionReceive
	if len(out.Owners) > 1 {
		dir = domain.DirectionReceiveAmbiguous
	}
	for _, owner := range out.Owners {
		if err := validAddress(owner); err != nil {
			return err
		}
		b.put(unspentKey(owner, tx.Sequence, tx.Txid, out.Index), encodeAmount(out.Value))
		if domain.IsSynthetic(owner) {
			continue
		}
		if err := b.credit(owner, out.Value); err != nil {
			return err
		}
		if err := ledger.add(owner, tx.Sequence, dir, tx.Txid, out.Value); err != nil {
			return err
		}
	}
	return nil
}

// resolveInputs looks up every spent output in parallel. The batch is only
// read while the group runs.
func (s *Store) resolveInputs(ctx context.Context, b *batch, txs []domain.TxEffect) ([][]*domain.TxOutput, error) {
	res := make([][]*domain.TxOutput, len(txs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range txs {
		if len(txs[i].Inputs) == 0 {
			continue
		}
		g.Go(func() error {
			outs := make([]*domain.TxOutput, len(txs[i].Inputs))
			for j, op := range txs[i].Inputs {
				if err := ctx.Err(); err != nil {
					return err
				}
				out, err := b.txOutput(op.Hash, op.Index)
				if errors.Is(err, storage.ErrNotFound) {
					return &storage.ConsistencyError{Kind: "referenced output missing", Key: op.String()}
				}
				if err != nil {
					return err
				}
				outs[j] = out
			}
			res[i] = outs
			return nil
		})
	}
	return res, g.Wait()
}

func (s *Store) checkExtendsTip(ctx context.Context, fx *domain.BlockEffects) error {
	hdr := fx.Header
	if int(hdr.TxCount) != len(fx.Txs) {
		return fmt.Errorf("%w: header tx count %d, have %d", storage.ErrBadLinkage, hdr.TxCount, len(fx.Txs))
	}
	for i, tx := range fx.Txs {
		if tx.Sequence != hdr.StartSequence+uint64(i)+1 {
			return fmt.Errorf("%w: tx %s has sequence %d", storage.ErrBadLinkage, tx.Txid, tx.Sequence)
		}
	}

	tip, err := s.Tip(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		if hdr.StartSequence != 0 {
			return fmt.Errorf("%w: first block must start at sequence 0", storage.ErrBadLinkage)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if hdr.Height != tip.Height+1 || fx.Prev != tip.Hash || hdr.StartSequence != tip.EndSequence() {
		return fmt.Errorf("%w: block %d (%s) on tip %d (%s)",
			storage.ErrBadLinkage, hdr.Height, hdr.Hash, tip.Height, tip.Hash)
	}
	return nil
}

func (s *Store) checkIsTip(ctx context.Context, hdr *domain.BlockHeader) error {
	tip, err := s.Tip(ctx)
	if err != nil {
		return err
	}
	if tip.Height != hdr.Height || tip.Hash != hdr.Hash {
		return fmt.Errorf("%w: tip is %d (%s), got %d (%s)",
			storage.ErrNotTip, tip.Height, tip.Hash, hdr.Height, hdr.Hash)
	}
	if tip.StartSequence != hdr.StartSequence || tip.TxCount != hdr.TxCount {
		return &storage.ConsistencyError{Kind: "tip sequence range differs from block", Key: tip.Hash.String()}
	}
	return nil
}

// RollbackBlock undoes the tip block. Transactions are undone last to first
// and, within each, inputs before outputs, mirroring ApplyBlock.
func (s *Store) RollbackBlock(ctx context.Context, fx *domain.BlockEffects) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	hdr := fx.Header
	if err := s.checkIsTip(ctx, &hdr); err != nil {
		return err
	}

	b := s.newBatch()
	ledger := newLedgerSet()

	for i := len(fx.Txs) - 1; i >= 0; i-- {
		tx := &fx.Txs[i]
		for j := len(tx.Inputs) - 1; j >= 0; j-- {
			op := tx.Inputs[j]
			prev, err := b.txOutput(op.Hash, op.Index)
			if errors.Is(err, storage.ErrNotFound) {
				return &storage.ConsistencyError{Kind: "referenced output missing", Key: op.String()}
			}
			if err != nil {
				return err
			}
			for _, owner := range prev.Owners {
				b.put(unspentKey(owner, prev.Sequence, op.Hash, op.Index), encodeAmount(prev.Value))
				if domain.IsSynthetic(owner) {
					continue
				}
				if err := b.credit(owner, prev.Value); err != nil {
					return err
				}
				if err := ledger.add(owner, tx.Sequence, domain.DirectionSpend, tx.Txid, prev.Value); err != nil {
					return err
				}
			}
		}
		for j := len(tx.Outputs) - 1; j >= 0; j-- {
			out := &tx.Outputs[j]
			dir := domain.DirectionReceive
			if len(out.Owners) > 1 {
				dir = domain.DirectionReceiveAmbiguous
			}
			for _, owner := range out.Owners {
				b.delete(unspentKey(owner, tx.Sequence, tx.Txid, out.Index))
				if domain.IsSynthetic(owner) {
					continue
				}
				if err := b.debit(owner, out.Value); err != nil {
					return err
				}
				if err := ledger.add(owner, tx.Sequence, dir, tx.Txid, out.Value); err != nil {
					return err
				}
			}
			b.delete(txOutputKey(tx.Txid, out.Index))
		}
		b.delete(transactionKey(tx.Txid))
	}

	ledger.erase(b)
	b.delete(blockKey(hdr.Height))
	b.delete(rawBlockKey(hdr.Height, hdr.Hash))

	if err := b.commit(); err != nil {
		return fmt.Errorf("failed to commit rollback of block %d: %w", hdr.Height, err)
	}
	return nil
}

// RewriteBlock heals the tip block after an unclean shutdown. Transaction,
// output and ledger rows are rewritten in place; unspent rows are left as
// they are and every touched address aggregate is recomputed from them.
func (s *Store) RewriteBlock(ctx context.Context, fx *domain.BlockEffects) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	hdr := fx.Header
	if err := s.checkIsTip(ctx, &hdr); err != nil {
		return err
	}

	b := s.newBatch()
	ledger := newLedgerSet()
	touched := make(map[string]struct{})

	for _, tx := range fx.Txs {
		b.put(transactionKey(tx.Txid), encodeTransaction(&domain.TxRecord{
			Txid:     tx.Txid,
			Height:   hdr.Height,
			Time:     hdr.Time,
			Sequence: tx.Sequence,
		}))
		for _, out := range tx.Outputs {
			b.put(txOutputKey(tx.Txid, out.Index), encodeTxOutput(&domain.TxOutput{
				Txid:     tx.Txid,
				Index:    out.Index,
				Sequence: tx.Sequence,
				Value:    out.Value,
				Owners:   out.Owners,
			}))
			dir := domain.DirectionReceive
			if len(out.Owners) > 1 {
				dir = domain.DirectionReceiveAmbiguous
			}
			for _, owner := range out.Owners {
				if domain.IsSynthetic(owner) {
					continue
				}
				touched[owner] = struct{}{}
				if err := ledger.add(owner, tx.Sequence, dir, tx.Txid, out.Value); err != nil {
					return err
				}
			}
		}
	}

	spent, err := s.resolveInputs(ctx, b, fx.Txs)
	if err != nil {
		return err
	}
	for i, tx := range fx.Txs {
		for _, prev := range spent[i] {
			for _, owner := range prev.Owners {
				if domain.IsSynthetic(owner) {
					continue
				}
				touched[owner] = struct{}{}
				if err := ledger.add(owner, tx.Sequence, domain.DirectionSpend, tx.Txid, prev.Value); err != nil {
					return err
				}
			}
		}
	}
	ledger.write(b)

	for address := range touched {
		bal, err := s.sumUnspent(address)
		if err != nil {
			return err
		}
		if bal.UtxoCount == 0 {
			b.delete(balanceKey(address))
			continue
		}
		b.put(balanceKey(address), encodeBalance(&bal))
	}

	b.put(blockKey(hdr.Height), encodeHeader(&hdr))
	if err := b.commit(); err != nil {
		return fmt.Errorf("failed to commit rewrite of block %d: %w", hdr.Height, err)
	}
	s.log.Info("rewrote tip block", "height", hdr.Height, "hash", hdr.Hash, "addresses", len(touched))
	return nil
}

func (s *Store) sumUnspent(address string) (domain.Balance, error) {
	bal := domain.Balance{Address: address}
	it := s.db.NewIterator(util.BytesPrefix(addressPrefix(prefixUnspent, address)), nil)
	defer it.Release()
	for it.Next() {
		v, err := decodeAmount(it.Value())
		if err != nil {
			return bal, err
		}
		if bal.Value, err = bal.Value.Add(v); err != nil {
			return bal, &storage.ConsistencyError{Kind: "balance overflow", Key: address}
		}
		bal.UtxoCount++
	}
	return bal, it.Error()
}
