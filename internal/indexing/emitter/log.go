package emitter

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/vietddude/blockstor/internal/core/domain"
)

// LogEmitter writes a one-line summary of each event.
type LogEmitter struct {
	log *slog.Logger
}

var _ Emitter = (*LogEmitter)(nil)

func NewLogEmitter(log *slog.Logger) *LogEmitter {
	if log == nil {
		log = slog.Default()
	}
	return &LogEmitter{log: log.With("component", "events")}
}

func (l *LogEmitter) EmitBlock(_ context.Context, e *domain.BlockEvent) error {
	l.log.Info("block applied",
		"height", e.Height,
		"hash", e.Hash,
		"txs", len(e.Txids),
		"addresses", len(e.Addresses),
	)
	return nil
}

func (l *LogEmitter) EmitRollback(_ context.Context, e *domain.RollbackEvent) error {
	l.log.Warn("block rolled back", "height", e.Height, "hash", e.Hash, "sequence", e.Sequence)
	return nil
}

func (l *LogEmitter) EmitMempool(_ context.Context, e *domain.MempoolEvent) error {
	var in domain.Amount
	for _, d := range e.Addresses {
		in += d.In
	}
	l.log.Debug("mempool tx",
		"txid", e.Txid,
		"addresses", len(e.Addresses),
		"received", btcutil.Amount(in),
	)
	return nil
}

func (l *LogEmitter) EmitStatus(_ context.Context, e *domain.StatusEvent) error {
	l.log.Info("status changed", "status", e.Status, "height", e.Height, "sequence", e.Sequence)
	return nil
}

func (l *LogEmitter) Close() error { return nil }
