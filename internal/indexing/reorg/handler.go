package reorg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Handler executes reorg rollback operations.
type Handler struct {
	store    storage.ChainStore
	markers  marker.Manager
	source   EffectsSource
	callback func(event domain.RollbackEvent)
}

// RollbackResult contains the result of a rollback operation.
type RollbackResult struct {
	UndoneBlocks int
	RevertedTxs  int
	Tip          *domain.BlockHeader // nil when the index is now empty
	Sequence     uint64
	MarkersReset int
	Duration     time.Duration
}

// SetRollbackCallback sets a callback invoked after each undone block.
func (h *Handler) SetRollbackCallback(fn func(event domain.RollbackEvent)) {
	h.callback = fn
}

// Rollback executes the reorg rollback process:
// 1. Fence markers
// 2. Undo tip blocks down to the safe point
// 3. Emit a rollback event per block
// 4. Reset markers above the new sequence counter
//
// On error the markers stay fenced; the next cycle's check resumes the walk
// from whatever tip was committed.
func (h *Handler) Rollback(ctx context.Context, info *ReorgInfo) (*RollbackResult, error) {
	start := time.Now()
	result := &RollbackResult{}

	h.markers.BeginRollback()

	for {
		tip, err := h.store.Tip(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get tip: %w", err)
		}
		if info.HasSafe && tip.Height <= info.SafeHeight {
			result.Tip = tip
			result.Sequence = tip.EndSequence()
			break
		}

		fx, err := h.source.Effects(ctx, tip)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild block %d: %w", tip.Height, err)
		}
		if err := h.store.RollbackBlock(ctx, fx); err != nil {
			return nil, fmt.Errorf("failed to roll back block %d: %w", tip.Height, err)
		}
		result.UndoneBlocks++
		result.RevertedTxs += int(tip.TxCount)

		slog.Warn("block rolled back",
			"height", tip.Height,
			"hash", tip.Hash,
			"txs", tip.TxCount,
		)
		if h.callback != nil {
			h.callback(domain.RollbackEvent{
				Height:   tip.Height,
				Hash:     tip.Hash,
				Sequence: tip.StartSequence,
			})
		}
	}

	reset, err := h.markers.Rollback(ctx, result.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to roll back markers: %w", err)
	}
	result.MarkersReset = reset

	result.Duration = time.Since(start)
	return result, nil
}
