package indexer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/chain/bitcoin"
)

// ComputeEffects derives what applying blk at height changes, assigning
// sequences from start+1. It reads no storage; spent outpoints are resolved
// by the store when the effects are applied. Owner resolution runs per
// transaction on up to workers goroutines.
func ComputeEffects(
	ctx context.Context,
	blk *wire.MsgBlock,
	raw []byte,
	height uint32,
	start uint64,
	params *chaincfg.Params,
	workers int,
) (*domain.BlockEffects, error) {
	fx := &domain.BlockEffects{
		Header: domain.BlockHeader{
			Height:        height,
			Hash:          blk.BlockHash(),
			Time:          uint32(blk.Header.Timestamp.Unix()),
			StartSequence: start,
			TxCount:       uint32(len(blk.Transactions)),
		},
		Prev: blk.Header.PrevBlock,
		Txs:  make([]domain.TxEffect, len(blk.Transactions)),
		Raw:  raw,
	}

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, tx := range blk.Transactions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			te, err := txEffect(tx, start+uint64(i)+1, params)
			if err != nil {
				return err
			}
			fx.Txs[i] = te
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("block %d (%s): %w", height, fx.Header.Hash, err)
	}
	return fx, nil
}

func txEffect(tx *wire.MsgTx, seq uint64, params *chaincfg.Params) (domain.TxEffect, error) {
	txid := tx.TxHash()
	te := domain.TxEffect{
		Txid:     txid,
		Sequence: seq,
		Outputs:  make([]domain.OutputEffect, 0, len(tx.TxOut)),
	}
	for n, out := range tx.TxOut {
		if out.Value < 0 {
			return te, fmt.Errorf("tx %s output %d has negative value", txid, n)
		}
		te.Outputs = append(te.Outputs, domain.OutputEffect{
			Index:  uint32(n),
			Value:  domain.Amount(out.Value),
			Owners: bitcoin.ResolveOwners(out.PkScript, txid, uint32(n), params),
		})
	}

	if blockchain.IsCoinBaseTx(tx) {
		return te, nil
	}
	te.Inputs = make([]wire.OutPoint, len(tx.TxIn))
	for j, in := range tx.TxIn {
		te.Inputs[j] = in.PreviousOutPoint
	}
	return te, nil
}

// DecodeBlock parses a serialized block, witness data included.
func DecodeBlock(raw []byte) (*wire.MsgBlock, error) {
	var blk wire.MsgBlock
	if err := blk.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return &blk, nil
}
