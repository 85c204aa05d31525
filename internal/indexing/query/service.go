// Package query is the read surface handed to the API and push layers.
//
// Every read goes straight to the storage engine or the published mempool
// view, so it never blocks the sync worker. Calls that reach the node
// (broadcast and raw transaction lookup) share a small limiter and are
// rejected with ErrBusy when it is full.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/indexing/mempool"
	"github.com/vietddude/blockstor/internal/indexing/metrics"
	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// ErrBusy is returned when the node call limiter is full.
var ErrBusy = errors.New("too many concurrent node requests")

const (
	DefaultExternalConcurrency = 5
	defaultFanOut              = 8
)

// Store is the part of the storage engine the service reads.
type Store interface {
	storage.OutputStore
	storage.AddressStore
	BlockHeader(ctx context.Context, height uint32) (*domain.BlockHeader, error)
}

// Config holds the service's collaborators. Mempool may be nil when the
// reconciler is disabled.
type Config struct {
	Store   Store
	Markers marker.Manager
	Status  marker.StatusSource
	Mempool mempool.Viewer
	Node    chain.Node

	ExternalConcurrency int64
	// RangeDefault is the page size used when a range request sets none.
	RangeDefault int
}

// Service answers consumer queries.
type Service struct {
	cfg     Config
	limiter *semaphore.Weighted
}

// New creates a query service.
func New(cfg Config) *Service {
	if cfg.ExternalConcurrency <= 0 {
		cfg.ExternalConcurrency = DefaultExternalConcurrency
	}
	return &Service{
		cfg:     cfg,
		limiter: semaphore.NewWeighted(cfg.ExternalConcurrency),
	}
}

// Status returns the engine's current snapshot.
func (s *Service) Status() domain.SyncSnapshot {
	return s.cfg.Status.Snapshot()
}

// Balance returns an address's confirmed balance.
func (s *Service) Balance(ctx context.Context, address string) (domain.Balance, error) {
	return s.cfg.Store.Balance(ctx, address)
}

// Balances returns the balances of several addresses, in request order.
func (s *Service) Balances(ctx context.Context, addresses []string) ([]domain.Balance, error) {
	out := make([]domain.Balance, len(addresses))
	err := fanOut(ctx, addresses, func(ctx context.Context, i int, addr string) error {
		bal, err := s.cfg.Store.Balance(ctx, addr)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", addr, err)
		}
		out[i] = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ledger returns one page of an address's ledger.
func (s *Service) Ledger(ctx context.Context, address string, opts storage.RangeOptions) (storage.Page[domain.LedgerEntry], error) {
	return s.cfg.Store.Ledger(ctx, address, s.withDefaultLimit(opts))
}

func (s *Service) withDefaultLimit(opts storage.RangeOptions) storage.RangeOptions {
	if opts.Limit <= 0 && s.cfg.RangeDefault > 0 {
		opts.Limit = s.cfg.RangeDefault
	}
	return opts
}

// Transaction looks up a confirmed transaction.
func (s *Service) Transaction(ctx context.Context, txid chainhash.Hash) (*domain.TxRecord, error) {
	return s.cfg.Store.Transaction(ctx, txid)
}

// Output looks up a confirmed output, spent or not.
func (s *Service) Output(ctx context.Context, txid chainhash.Hash, index uint32) (*domain.TxOutput, error) {
	return s.cfg.Store.TxOutput(ctx, txid, index)
}

// BlockHeader looks up an indexed block by height.
func (s *Service) BlockHeader(ctx context.Context, height uint32) (*domain.BlockHeader, error) {
	return s.cfg.Store.BlockHeader(ctx, height)
}

// Unconfirmed returns an address's mempool view; empty when the reconciler
// is disabled.
func (s *Service) Unconfirmed(address string) domain.UnconfirmedView {
	if s.cfg.Mempool == nil {
		return domain.UnconfirmedView{
			Outputs: []domain.UnconfirmedOutput{},
			Spends:  []domain.UnconfirmedSpend{},
		}
	}
	return s.cfg.Mempool.View(address)
}

// SearchResult holds prefix search matches.
type SearchResult struct {
	Addresses    []string         `json:"addresses"`
	Transactions []chainhash.Hash `json:"transactions"`
}

// Search matches prefix against indexed addresses and txids. A prefix that
// matches too many entries of either kind yields storage.ErrTooMany. A
// prefix valid for neither yields storage.ErrInvalidPrefix.
func (s *Service) Search(ctx context.Context, prefix string) (*SearchResult, error) {
	res := &SearchResult{Addresses: []string{}, Transactions: []chainhash.Hash{}}

	addrs, aerr := s.cfg.Store.SearchAddresses(ctx, prefix)
	txids, terr := s.cfg.Store.SearchTransactions(ctx, prefix)

	for _, err := range []error{aerr, terr} {
		if err != nil && !errors.Is(err, storage.ErrInvalidPrefix) {
			return nil, err
		}
	}
	if aerr != nil && terr != nil {
		return nil, storage.ErrInvalidPrefix
	}
	if aerr == nil {
		res.Addresses = addrs
	}
	if terr == nil {
		res.Transactions = txids
	}
	return res, nil
}

// Marker returns a consumer's marker.
func (s *Service) Marker(ctx context.Context, consumer string) (*domain.Marker, error) {
	return s.cfg.Markers.Get(ctx, consumer)
}

// SetMarker acknowledges seq for a consumer. See marker.Manager for the
// rollback fencing rules.
func (s *Service) SetMarker(ctx context.Context, consumer string, seq uint64) (*domain.Marker, error) {
	return s.cfg.Markers.Set(ctx, consumer, seq)
}

// Broadcast relays a signed transaction to the node.
func (s *Service) Broadcast(ctx context.Context, rawTx []byte) (chainhash.Hash, error) {
	if err := s.acquire("broadcast"); err != nil {
		return chainhash.Hash{}, err
	}
	defer s.limiter.Release(1)
	return s.cfg.Node.SendRawTransaction(ctx, rawTx)
}

// RawTransaction fetches a serialized transaction from the node, confirmed
// or not.
func (s *Service) RawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	if err := s.acquire("rawtx"); err != nil {
		return nil, err
	}
	defer s.limiter.Release(1)
	return s.cfg.Node.GetRawTransaction(ctx, txid)
}

func (s *Service) acquire(op string) error {
	if !s.limiter.TryAcquire(1) {
		metrics.BusyRejections.WithLabelValues(op).Inc()
		return ErrBusy
	}
	return nil
}

// fanOut runs fn for every address on a bounded number of goroutines.
func fanOut(ctx context.Context, addresses []string, fn func(ctx context.Context, i int, addr string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFanOut)
	for i, addr := range addresses {
		g.Go(func() error {
			return fn(gctx, i, addr)
		})
	}
	return g.Wait()
}
