package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/indexing/reorg"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// blockSource rebuilds the effects of an applied block, preferring the
// retained raw copy over a node round trip.
type blockSource struct {
	store   storage.ChainStore
	node    chain.Node
	params  *chaincfg.Params
	workers int
}

var _ reorg.EffectsSource = (*blockSource)(nil)

func (s *blockSource) Effects(ctx context.Context, hdr *domain.BlockHeader) (*domain.BlockEffects, error) {
	raw, err := s.raw(ctx, hdr)
	if err != nil {
		return nil, err
	}
	blk, err := DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if blk.BlockHash() != hdr.Hash {
		return nil, fmt.Errorf("block %d: got %s, want %s", hdr.Height, blk.BlockHash(), hdr.Hash)
	}
	if len(blk.Transactions) != int(hdr.TxCount) {
		return nil, &storage.ConsistencyError{Kind: "stored tx count differs from block", Key: hdr.Hash.String()}
	}
	return ComputeEffects(ctx, blk, raw, hdr.Height, hdr.StartSequence, s.params, s.workers)
}

func (s *blockSource) raw(ctx context.Context, hdr *domain.BlockHeader) ([]byte, error) {
	rb, err := s.store.RawBlock(ctx, hdr.Height, hdr.Hash)
	if err == nil {
		return rb.Data, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	raw, err := s.node.GetBlock(ctx, hdr.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", hdr.Hash, err)
	}
	return raw, nil
}
