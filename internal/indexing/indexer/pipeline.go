package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/indexing/emitter"
	"github.com/vietddude/blockstor/internal/indexing/metrics"
	"github.com/vietddude/blockstor/internal/indexing/reorg"
	"github.com/vietddude/blockstor/internal/indexing/throttle"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// errDiverged means a fetched block does not extend the local tip. The next
// cycle's rollback check sorts it out.
var errDiverged = errors.New("block does not extend local tip")

const statsWindow = 100

// Pipeline implements the Indexer interface
type Pipeline struct {
	cfg      Config
	state    *SyncState
	stats    *statsCollector
	tip      *throttle.TipCache
	pace     *throttle.Pacer
	source   *blockSource
	detector *reorg.Detector
	handler  *reorg.Handler
	log      *slog.Logger

	running     atomic.Bool
	stop        chan struct{}
	stopOnce    sync.Once
	mempoolKick chan struct{}
}

var _ Indexer = (*Pipeline)(nil)

// NewPipeline creates a new sync pipeline
func NewPipeline(cfg Config) *Pipeline {
	if cfg.State == nil {
		cfg.State = NewSyncState()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emitter.MultiEmitter(nil)
	}
	if cfg.Throttle == (throttle.Config{}) {
		cfg.Throttle = throttle.DefaultConfig()
	}

	p := &Pipeline{
		cfg:         cfg,
		state:       cfg.State,
		stats:       newStatsCollector(statsWindow),
		tip:         throttle.NewTipCache(cfg.Node, cfg.Throttle.TipTTL),
		pace:        throttle.NewPacer(cfg.ScanInterval, cfg.Throttle),
		detector:    reorg.NewDetector(cfg.Store, cfg.Node),
		log:         slog.Default().With("component", "indexer"),
		stop:        make(chan struct{}),
		mempoolKick: make(chan struct{}, 1),
	}
	p.source = &blockSource{
		store:   cfg.Store,
		node:    cfg.Node,
		params:  cfg.Params,
		workers: cfg.ApplyWorkers,
	}
	p.handler = reorg.NewHandler(cfg.Store, cfg.Markers, p.source)
	p.handler.SetRollbackCallback(p.onRollback)
	return p
}

// Start runs the sync loop. It returns nil on Stop or context cancellation
// and the error itself when storage reports a consistency error.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)
	defer p.transition(context.Background(), domain.EngineStateStopped, "loop exited")

	var wg sync.WaitGroup
	defer wg.Wait()
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.cfg.Mempool != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.mempoolLoop(loopCtx)
		}()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-timer.C:
			if p.state.Aborting() {
				return nil
			}
			if err := p.cycle(ctx); err != nil {
				if storage.IsConsistency(err) {
					p.log.Error("index consistency error, stopping", "err", err)
					return err
				}
				if ctx.Err() == nil {
					p.log.Warn("sync cycle failed", "err", err)
				}
			}
			timer.Reset(p.nextInterval())
		}
	}
}

// Stop sets the abort flag and ends the loop after the current block
func (p *Pipeline) Stop() error {
	p.state.Abort()
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

// Snapshot returns the current engine state
func (p *Pipeline) Snapshot() domain.SyncSnapshot {
	return p.state.Snapshot()
}

// Stats returns apply throughput and recent state changes.
func (p *Pipeline) Stats() Stats {
	s := p.stats.stats()
	s.History = p.state.History()
	return s
}

// cycle runs one pass of the state machine: startup rewrite on the first
// pass, rollback check, catch-up, then hands over to the mempool.
func (p *Pipeline) cycle(ctx context.Context) error {
	if p.state.State() == domain.EngineStateStarting {
		if err := p.startup(ctx); err != nil {
			return fmt.Errorf("startup rewrite: %w", err)
		}
	}

	p.transition(ctx, domain.EngineStateRollbackCheck, "cycle")
	rolledBack, err := p.checkRollback(ctx)
	if err != nil {
		return err
	}

	nodeHeight, err := p.tip.Height(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block count: %w", err)
	}
	p.state.setNodeHeight(nodeHeight)
	metrics.NodeHeight.Set(float64(nodeHeight))

	applied := 0
	if p.behind(nodeHeight) {
		p.transition(ctx, domain.EngineStateSyncing, "behind node")
		applied, err = p.catchUp(ctx, nodeHeight)
		if err != nil || p.state.Aborting() {
			// Re-read the committed tip so the next cycle revalidates it.
			if rerr := p.reloadTip(ctx); rerr != nil {
				p.log.Error("failed to reload tip", "err", rerr)
			}
			if errors.Is(err, errDiverged) {
				p.log.Warn("fetched block does not extend tip, rechecking", "err", err)
				return nil
			}
			return err
		}
	}

	p.transition(ctx, domain.EngineStateSteady, "caught up")
	if p.cfg.Mempool != nil {
		if applied > 0 || rolledBack {
			p.cfg.Mempool.RequestReset()
		}
		select {
		case p.mempoolKick <- struct{}{}:
		default:
		}
	}
	return nil
}

// startup restores the tip and recomputes the last applied block to heal a
// write interrupted by a crash.
func (p *Pipeline) startup(ctx context.Context) error {
	tip, err := p.cfg.Store.Tip(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		p.state.setTip(nil)
		return nil
	}
	if err != nil {
		return err
	}

	fx, err := p.source.Effects(ctx, tip)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		p.log.Warn("tip block unavailable, skipping rewrite", "height", tip.Height, "hash", tip.Hash)
	case err != nil:
		return err
	default:
		if err := p.cfg.Store.RewriteBlock(ctx, fx); err != nil {
			return err
		}
		p.log.Info("tip block rewritten", "height", tip.Height, "hash", tip.Hash)
	}

	p.state.setTip(tip)
	p.publishTip(tip)
	return nil
}

func (p *Pipeline) checkRollback(ctx context.Context) (bool, error) {
	info, err := p.detector.Check(ctx, p.state.Tip())
	if err != nil {
		return false, fmt.Errorf("rollback check: %w", err)
	}
	if !info.Detected {
		return false, p.releaseFence(ctx)
	}

	p.log.Warn("chain diverged from node",
		"depth", info.Depth,
		"from_height", info.FromHeight,
		"safe_height", info.SafeHeight,
		"has_safe", info.HasSafe,
	)
	p.transition(ctx, domain.EngineStateRollingBack, "node hash differs")
	p.stats.recordRollback(time.Now())

	result, err := p.handler.Rollback(ctx, info)
	if err != nil {
		if rerr := p.reloadTip(ctx); rerr != nil {
			p.log.Error("failed to reload tip", "err", rerr)
		}
		return true, err
	}
	p.state.setTip(result.Tip)
	p.publishTip(result.Tip)
	p.tip.Reset()

	p.log.Warn("rollback complete",
		"blocks", result.UndoneBlocks,
		"txs", result.RevertedTxs,
		"sequence", result.Sequence,
		"markers_reset", result.MarkersReset,
		"duration", result.Duration,
	)
	p.transition(ctx, domain.EngineStateRollbackCheck, "rollback complete")
	return true, nil
}

// releaseFence lifts a marker fence left by a rollback that failed before
// the node switched back to the indexed chain. Markers above the committed
// tip are pulled down to it.
func (p *Pipeline) releaseFence(ctx context.Context) error {
	if !p.cfg.Markers.Fenced() {
		return nil
	}
	var ceiling uint64
	if tip := p.state.Tip(); tip != nil {
		ceiling = tip.EndSequence()
	}
	reset, err := p.cfg.Markers.Rollback(ctx, ceiling)
	if err != nil {
		return fmt.Errorf("failed to release markers: %w", err)
	}
	p.log.Warn("markers released after interrupted rollback", "sequence", ceiling, "markers_reset", reset)
	return nil
}

func (p *Pipeline) onRollback(e domain.RollbackEvent) {
	metrics.BlocksRolledBack.Inc()
	if err := p.reloadTip(context.Background()); err != nil {
		p.log.Error("failed to reload tip", "err", err)
	}
	if err := p.cfg.Emitter.EmitRollback(context.Background(), &e); err != nil {
		p.log.Warn("failed to emit rollback", "height", e.Height, "err", err)
	}
}

func (p *Pipeline) behind(nodeHeight uint32) bool {
	tip := p.state.Tip()
	return tip == nil || nodeHeight > tip.Height
}

// catchUp applies blocks until the tip reaches target, the node has nothing
// more, or the abort flag is set. Far behind the node, blocks come from a
// peer session; the last BulkThreshold blocks always come over RPC.
func (p *Pipeline) catchUp(ctx context.Context, target uint32) (int, error) {
	applied := 0
	peerFailed := false

	for !p.state.Aborting() && ctx.Err() == nil {
		tip := p.state.Tip()
		if tip != nil && tip.Height >= target {
			break
		}

		if p.cfg.NewFetcher != nil && !peerFailed && tip != nil && target-tip.Height > p.cfg.BulkThreshold {
			n, err := p.bulkSync(ctx, target)
			applied += n
			if err != nil {
				if errors.Is(err, errDiverged) || storage.IsConsistency(err) {
					return applied, err
				}
				p.log.Warn("peer fetch failed, continuing over rpc", "err", err)
				peerFailed = true
			}
			continue
		}

		var height uint32
		if tip != nil {
			height = tip.Height + 1
		}
		hash, err := p.cfg.Node.GetBlockHash(ctx, height)
		if errors.Is(err, chain.ErrNotFound) {
			break
		}
		if err != nil {
			return applied, fmt.Errorf("failed to get hash %d: %w", height, err)
		}
		raw, err := p.cfg.Node.GetBlock(ctx, hash)
		if err != nil {
			return applied, fmt.Errorf("failed to get block %s: %w", hash, err)
		}
		blk, err := DecodeBlock(raw)
		if err != nil {
			return applied, err
		}
		if err := p.applyBlock(ctx, blk, raw); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// bulkSync runs one peer session starting at the tip.
func (p *Pipeline) bulkSync(ctx context.Context, target uint32) (int, error) {
	tip := p.state.Tip()
	f := p.cfg.NewFetcher()
	if err := f.Start(ctx, tip.Hash); err != nil {
		return 0, err
	}
	defer f.Stop()

	p.log.Info("bulk sync from peer", "from", tip.Height, "target", target)
	applied := 0
	for !p.state.Aborting() && ctx.Err() == nil {
		tip = p.state.Tip()
		if tip.Height >= target || target-tip.Height <= p.cfg.BulkThreshold {
			break
		}
		blk, err := f.Next(ctx)
		if err != nil {
			return applied, err
		}
		if err := p.applyBlock(ctx, blk.Msg, blk.Raw); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// applyBlock checks that blk extends the tip, computes its effects and
// commits them.
func (p *Pipeline) applyBlock(ctx context.Context, blk *wire.MsgBlock, raw []byte) error {
	began := time.Now()

	var height uint32
	var start uint64
	if tip := p.state.Tip(); tip != nil {
		if blk.Header.PrevBlock != tip.Hash {
			return fmt.Errorf("%w: %s has prev %s, tip is %s",
				errDiverged, blk.BlockHash(), blk.Header.PrevBlock, tip.Hash)
		}
		height = tip.Height + 1
		start = tip.EndSequence()
	}

	fx, err := ComputeEffects(ctx, blk, raw, height, start, p.cfg.Params, p.cfg.ApplyWorkers)
	if err != nil {
		return err
	}
	event, err := p.cfg.Store.ApplyBlock(ctx, fx)
	if errors.Is(err, storage.ErrBadLinkage) {
		return fmt.Errorf("%w: %v", errDiverged, err)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	metrics.BlockApplyDuration.Observe(now.Sub(began).Seconds())
	metrics.BlocksApplied.Inc()
	p.state.setTip(&fx.Header)
	p.publishTip(&fx.Header)
	p.stats.recordBlock(height, now)
	p.tip.Reset()

	if err := p.cfg.Emitter.EmitBlock(ctx, event); err != nil {
		p.log.Warn("failed to emit block", "height", height, "err", err)
	}
	p.log.Debug("block applied", "height", height, "hash", fx.Header.Hash, "txs", fx.Header.TxCount)
	return nil
}

func (p *Pipeline) reloadTip(ctx context.Context) error {
	tip, err := p.cfg.Store.Tip(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		tip, err = nil, nil
	}
	if err != nil {
		return err
	}
	p.state.setTip(tip)
	p.publishTip(tip)
	return nil
}

func (p *Pipeline) publishTip(tip *domain.BlockHeader) {
	if tip == nil {
		metrics.TipHeight.Set(0)
		metrics.TxSequence.Set(0)
		return
	}
	metrics.TipHeight.Set(float64(tip.Height))
	metrics.TxSequence.Set(float64(tip.EndSequence()))
}

// transition moves the state machine and emits a status event when the
// consumer-facing status changes.
func (p *Pipeline) transition(ctx context.Context, to domain.EngineState, reason string) {
	from := p.state.State()
	changed, err := p.state.transition(to, reason)
	if err != nil {
		p.log.Error("state transition rejected", "err", err)
		return
	}
	if from != to {
		metrics.EngineState.WithLabelValues(string(from)).Set(0)
		metrics.EngineState.WithLabelValues(string(to)).Set(1)
	}
	if !changed {
		return
	}

	snap := p.state.Snapshot()
	event := &domain.StatusEvent{Status: snap.Status, Height: snap.Height, Sequence: snap.Sequence}
	if err := p.cfg.Emitter.EmitStatus(ctx, event); err != nil {
		p.log.Warn("failed to emit status", "status", snap.Status, "err", err)
	}
}

func (p *Pipeline) nextInterval() time.Duration {
	snap := p.state.Snapshot()
	var behind uint32
	switch {
	case !snap.HasTip:
		behind = snap.NodeHeight + 1
	case snap.NodeHeight > snap.Height:
		behind = snap.NodeHeight - snap.Height
	}
	return p.pace.Next(behind)
}

func (p *Pipeline) mempoolLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.mempoolKick:
			if p.state.Aborting() {
				return
			}
			if err := p.cfg.Mempool.Update(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("mempool update failed", "err", err)
			}
		}
	}
}
