// Package reorg handles chain reorganization detection and recovery.
//
// # Detection
//
// Each sync cycle compares the node's hash at the local tip height with the
// stored hash. On a mismatch the detector walks down the stored headers,
// asking the node for each height, until the hashes agree (the safe point)
// or height zero has diverged too.
//
// # Rollback Process
//
//  1. Fence marker updates
//  2. Undo the tip block with the exact inverse of apply, repeatedly, until
//     the tip is the safe point or the index is empty
//  3. Emit a rollback event per undone block
//  4. Pull markers above the new sequence counter down to it and lift the fence
//
// # Usage
//
//	detector := reorg.NewDetector(store, node)
//	handler := reorg.NewHandler(store, markers, source)
//
//	if info, _ := detector.Check(ctx, tip); info.Detected {
//	    handler.Rollback(ctx, info)
//	}
package reorg

import (
	"context"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// EffectsSource rebuilds the effects of an already applied block so it can
// be undone.
type EffectsSource interface {
	Effects(ctx context.Context, hdr *domain.BlockHeader) (*domain.BlockEffects, error)
}

// NewDetector creates a new reorg detector.
func NewDetector(store storage.ChainStore, node chain.Node) *Detector {
	return &Detector{
		store: store,
		node:  node,
	}
}

// NewHandler creates a new reorg handler.
func NewHandler(store storage.ChainStore, markers marker.Manager, source EffectsSource) *Handler {
	return &Handler{
		store:   store,
		markers: markers,
		source:  source,
	}
}
