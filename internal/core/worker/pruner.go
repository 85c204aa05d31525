package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Pruner deletes retained raw blocks that fall outside the retention window.
type Pruner struct {
	store     storage.ChainStore
	retention uint32
	interval  time.Duration
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. retention is counted in heights
// below the tip; zero keeps every raw block.
func NewPruner(store storage.ChainStore, retention uint32, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention == 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one retention pass and returns the number of deleted blocks.
func (p *Pruner) Prune(ctx context.Context) int {
	tip, err := p.store.Tip(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return 0
	}
	if err != nil {
		p.log.Error("failed to read tip", "err", err)
		return 0
	}
	if tip.Height < p.retention {
		return 0
	}

	below := tip.Height - p.retention
	n, err := p.store.PruneRawBlocks(ctx, below)
	if err != nil {
		p.log.Error("failed to prune raw blocks", "below", below, "err", err)
		return n
	}
	if n > 0 {
		p.log.Debug("pruned raw blocks", "below", below, "count", n)
	}
	return n
}
