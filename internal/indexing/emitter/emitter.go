package emitter

import (
	"context"
	"errors"

	"github.com/vietddude/blockstor/internal/core/domain"
)

// Event kinds, also used as pub/sub channel suffixes.
const (
	KindBlock    = "block"
	KindRollback = "rollback"
	KindMempool  = "mempool"
	KindStatus   = "status"
)

// Emitter defines the interface for pushing index changes to consumers
type Emitter interface {
	// EmitBlock sends the event for a newly applied block
	EmitBlock(ctx context.Context, event *domain.BlockEvent) error

	// EmitRollback sends the event for an undone block
	EmitRollback(ctx context.Context, event *domain.RollbackEvent) error

	// EmitMempool sends the event for a newly seen unconfirmed transaction
	EmitMempool(ctx context.Context, event *domain.MempoolEvent) error

	// EmitStatus sends a status change
	EmitStatus(ctx context.Context, event *domain.StatusEvent) error

	// Close releases the emitter's resources
	Close() error
}

// Message is a typed event as delivered to subscribers.
type Message struct {
	Kind    string `json:"type"`
	Payload any    `json:"data"`
}

// MultiEmitter fans every event out to each of its emitters. All emitters
// are tried; the errors are joined.
type MultiEmitter []Emitter

var _ Emitter = MultiEmitter(nil)

func (m MultiEmitter) each(fn func(Emitter) error) error {
	var errs []error
	for _, e := range m {
		if err := fn(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiEmitter) EmitBlock(ctx context.Context, event *domain.BlockEvent) error {
	return m.each(func(e Emitter) error { return e.EmitBlock(ctx, event) })
}

func (m MultiEmitter) EmitRollback(ctx context.Context, event *domain.RollbackEvent) error {
	return m.each(func(e Emitter) error { return e.EmitRollback(ctx, event) })
}

func (m MultiEmitter) EmitMempool(ctx context.Context, event *domain.MempoolEvent) error {
	return m.each(func(e Emitter) error { return e.EmitMempool(ctx, event) })
}

func (m MultiEmitter) EmitStatus(ctx context.Context, event *domain.StatusEvent) error {
	return m.each(func(e Emitter) error { return e.EmitStatus(ctx, event) })
}

func (m MultiEmitter) Close() error {
	return m.each(func(e Emitter) error { return e.Close() })
}
