package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/vietddude/blockstor/internal/core/config"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/core/worker"
	"github.com/vietddude/blockstor/internal/indexing/emitter"
	"github.com/vietddude/blockstor/internal/indexing/health"
	"github.com/vietddude/blockstor/internal/indexing/indexer"
	"github.com/vietddude/blockstor/internal/indexing/mempool"
	"github.com/vietddude/blockstor/internal/indexing/query"
	"github.com/vietddude/blockstor/internal/infra/chain/bitcoin"
	"github.com/vietddude/blockstor/internal/infra/p2p"
	redisclient "github.com/vietddude/blockstor/internal/infra/redis"
	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
	"github.com/vietddude/blockstor/internal/infra/rpc/routing"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

const (
	nodeName      = "node"
	pruneInterval = 10 * time.Minute
)

// App owns the indexer's components and their lifecycle.
type App struct {
	cfg *config.AppConfig

	store        *leveldb.Store
	node         *provider.HTTPProvider
	pipeline     *indexer.Pipeline
	query        *query.Service
	events       *emitter.Broadcaster
	emitter      emitter.MultiEmitter
	pruner       *worker.Pruner
	healthServer *health.Server
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	err    error
}

// New creates an App with all dependencies initialized. Nothing runs until
// Start.
func New(cfg *config.AppConfig) (*App, error) {
	log := slog.Default().With("component", "control")

	params, err := bitcoin.NetParams(cfg.Network, cfg.Peer.Magic)
	if err != nil {
		return nil, err
	}

	// 1. Node RPC
	node := provider.NewHTTPProvider(nodeName, cfg.Node.URL, cfg.Node.Timeout).
		WithBasicAuth(cfg.Node.User, cfg.Node.Password)
	adapter := bitcoin.NewBitcoinAdapter(node)

	// 2. Storage
	store, err := leveldb.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	// 3. Event sinks
	events := emitter.NewBroadcaster()
	sinks := emitter.MultiEmitter{
		events,
		emitter.NewLogEmitter(slog.Default().With("component", "events")),
	}
	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		sinks = append(sinks, emitter.NewRedisEmitter(rc))
		log.Info("Publishing events to Redis", "prefix", cfg.Redis.ChannelPrefix)
	}

	// 4. Sync engine and its collaborators
	state := indexer.NewSyncState()
	markers := marker.NewManager(store, state, cfg.Consumers)

	var pool *mempool.Reconciler
	if cfg.Sync.Mempool {
		pool = mempool.New(mempool.Config{
			Node:    adapter,
			Outputs: store,
			Emitter: sinks,
			Params:  params,
			Workers: cfg.Sync.MempoolWorkers,
		})
	}

	idxCfg := indexer.Config{
		Node:          adapter,
		Store:         store,
		Markers:       markers,
		Emitter:       sinks,
		Params:        params,
		State:         state,
		BulkThreshold: cfg.Peer.BulkThreshold,
		ScanInterval:  cfg.Sync.Interval,
		ApplyWorkers:  cfg.Sync.ApplyWorkers,
	}
	if pool != nil {
		idxCfg.Mempool = pool
	}
	if cfg.Peer.Enabled {
		idxCfg.NewFetcher = peerFetcher(cfg.Peer, params.Net)
		log.Info("Bulk sync over P2P enabled", "peer", cfg.Peer.Address)
	}
	pipeline := indexer.NewPipeline(idxCfg)

	// 5. Consumer surface
	qCfg := query.Config{
		Store:               store,
		Markers:             markers,
		Status:              state,
		Node:                adapter,
		ExternalConcurrency: int64(cfg.Limits.ExternalConcurrency),
		RangeDefault:        cfg.Limits.RangeDefault,
	}
	var sizer health.MempoolSizer
	if pool != nil {
		qCfg.Mempool = pool
		sizer = pool
	}

	// 6. Background workers
	var pruner *worker.Pruner
	if cfg.Storage.RawBlocks && cfg.Storage.RawBlockRetention > 0 {
		pruner = worker.NewPruner(store, cfg.Storage.RawBlockRetention, pruneInterval)
	}

	// 7. Health
	monitor := health.NewMonitor(pipeline, sizer).WithNode(node)

	return &App{
		cfg:          cfg,
		store:        store,
		node:         node,
		pipeline:     pipeline,
		query:        query.New(qCfg),
		events:       events,
		emitter:      sinks,
		pruner:       pruner,
		healthServer: health.NewServer(monitor, cfg.Server.Port),
		log:          log,
	}, nil
}

func peerFetcher(cfg config.PeerConfig, network wire.BitcoinNet) func() indexer.BlockFetcher {
	dialer := &net.Dialer{Timeout: cfg.FetchTimeout}
	pc := p2p.Config{
		Address:         cfg.Address,
		Net:             network,
		ProtocolVersion: cfg.ProtocolVersion,
		InFlight:        cfg.InFlight,
		GetDataBatch:    cfg.GetDataBatch,
		PollInterval:    cfg.PollInterval,
		FetchTimeout:    cfg.FetchTimeout,
	}
	return func() indexer.BlockFetcher {
		return p2p.NewFetcher(pc, dialer.DialContext)
	}
}

// Query returns the read surface for API and push layers.
func (a *App) Query() *query.Service {
	return a.query
}

// Events returns the in-process event fan-out.
func (a *App) Events() *emitter.Broadcaster {
	return a.events
}

// Start waits for the node to answer, then starts the sync engine and its
// background workers.
func (a *App) Start(ctx context.Context) error {
	if err := a.waitForNode(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.pruner != nil {
		a.log.Info("Starting raw block pruner", "retention", a.cfg.Storage.RawBlockRetention)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.pruner.Start(runCtx)
		}()
	}

	go func() {
		defer close(a.done)
		a.err = a.pipeline.Start(runCtx)
	}()

	a.log.Info("Indexer started", "network", a.cfg.Network, "data_dir", a.cfg.Storage.DataDir)
	return nil
}

// Done is closed when the sync engine exits.
func (a *App) Done() <-chan struct{} {
	return a.done
}

// Err returns the engine's exit error once Done is closed. A non-nil error
// is a storage consistency error.
func (a *App) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Stop lets the in-flight block finish, then shuts everything down and
// closes the store.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping indexer...")

	if a.done != nil {
		a.pipeline.Stop()
		select {
		case <-a.done:
		case <-ctx.Done():
			a.log.Warn("Sync engine did not stop in time, cancelling")
		}
		a.cancel()
		<-a.done
		a.wg.Wait()
	}

	var errs []error
	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	if err := a.emitter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("emitters: %w", err))
	}
	a.node.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}

// waitForNode probes the node once, retrying through warmup and transient
// network errors.
func (a *App) waitForNode(ctx context.Context) error {
	res, err := routing.CallWithRetry(ctx, a.node, provider.NewOperation("getblockcount"), routing.DefaultRetryConfig)
	if err != nil {
		return fmt.Errorf("node not reachable: %w", err)
	}
	a.log.Info("Connected to node", "url", a.cfg.Node.URL, "blocks", string(res))
	return nil
}
