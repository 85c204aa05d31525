package emitter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/blockstor/internal/core/domain"
)

// Publisher is the pub/sub transport used by RedisEmitter.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload []byte) error
	SetTip(ctx context.Context, height uint32, hash string, sequence uint64) error
	Close() error
}

// RedisEmitter publishes JSON-encoded events on one channel per kind. Each
// applied block also refreshes the stored tip.
type RedisEmitter struct {
	pub Publisher
}

var _ Emitter = (*RedisEmitter)(nil)

func NewRedisEmitter(pub Publisher) *RedisEmitter {
	return &RedisEmitter{pub: pub}
}

func (r *RedisEmitter) publish(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	return r.pub.Publish(ctx, kind, data)
}

func (r *RedisEmitter) EmitBlock(ctx context.Context, e *domain.BlockEvent) error {
	if err := r.publish(ctx, KindBlock, e); err != nil {
		return err
	}
	return r.pub.SetTip(ctx, e.Height, e.Hash.String(), e.Sequence)
}

func (r *RedisEmitter) EmitRollback(ctx context.Context, e *domain.RollbackEvent) error {
	return r.publish(ctx, KindRollback, e)
}

func (r *RedisEmitter) EmitMempool(ctx context.Context, e *domain.MempoolEvent) error {
	return r.publish(ctx, KindMempool, e)
}

func (r *RedisEmitter) EmitStatus(ctx context.Context, e *domain.StatusEvent) error {
	return r.publish(ctx, KindStatus, e)
}

func (r *RedisEmitter) Close() error {
	return r.pub.Close()
}
