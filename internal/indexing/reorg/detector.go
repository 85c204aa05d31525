package reorg

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Detector checks for chain reorganizations by comparing stored hashes with
// the node's.
type Detector struct {
	store storage.ChainStore
	node  chain.Node
}

// ReorgInfo contains information about a detected reorganization.
type ReorgInfo struct {
	Detected   bool
	Depth      int
	FromHeight uint32 // First diverged height

	// HasSafe is false when every stored block diverged, down to height 0.
	HasSafe    bool
	SafeHeight uint32 // Last matching height
	SafeHash   chainhash.Hash
}

// Check compares the node's hash at the tip height with tip.Hash. A nil tip
// (empty index) never diverges. Node errors other than not-found are
// returned so the caller retries on its next cycle.
func (d *Detector) Check(ctx context.Context, tip *domain.BlockHeader) (*ReorgInfo, error) {
	if tip == nil {
		return &ReorgInfo{}, nil
	}

	ok, err := d.matches(ctx, tip.Height, tip.Hash)
	if err != nil {
		return nil, err
	}
	if ok {
		return &ReorgInfo{}, nil
	}

	info := &ReorgInfo{Detected: true, Depth: 1, FromHeight: tip.Height}
	for height := tip.Height; height > 0; {
		height--
		hdr, err := d.store.BlockHeader(ctx, height)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &storage.ConsistencyError{Kind: "block header missing below tip", Key: fmt.Sprint(height)}
			}
			return nil, fmt.Errorf("failed to get block %d: %w", height, err)
		}

		ok, err := d.matches(ctx, height, hdr.Hash)
		if err != nil {
			return nil, err
		}
		if ok {
			info.HasSafe = true
			info.SafeHeight = height
			info.SafeHash = hdr.Hash
			return info, nil
		}
		info.Depth++
		info.FromHeight = height
	}
	return info, nil
}

// matches reports whether the node agrees with hash at height. A height the
// node does not have is a mismatch.
func (d *Detector) matches(ctx context.Context, height uint32, hash chainhash.Hash) (bool, error) {
	nodeHash, err := d.node.GetBlockHash(ctx, height)
	if errors.Is(err, chain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch hash %d from node: %w", height, err)
	}
	return nodeHash == hash, nil
}
