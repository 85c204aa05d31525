// Package marker keeps each consumer's acknowledged position in the global
// transaction sequence.
//
// # Purpose
//
// A marker is a consumer's bookmark: the last sequence it has processed.
// Consumers resume incremental reads from it after a restart. Because a
// chain rollback can remove sequences a consumer already acknowledged,
// markers are fenced while the engine rolls back:
//   - Set is rejected with ErrNotReady until the engine has loaded its tip,
//     and with ErrRollbackInProgress while a rollback runs.
//   - When the rollback finishes, every marker above the new tip sequence
//     is pulled down to it and flagged as rolled back.
//   - A flagged marker only accepts its own (authoritative) sequence. Any
//     other value is rejected with a SequenceMismatchError carrying it.
//
// # Quick Start
//
//	m := marker.NewManager(store, engine, []string{"api", "ws"})
//
//	m.Set(ctx, "api", 500)           // ok
//
//	m.BeginRollback()                // engine enters rolling back
//	m.Set(ctx, "api", 510)           // ErrRollbackInProgress
//	m.Rollback(ctx, 300)             // api -> 300, flagged
//
//	m.Set(ctx, "api", 500)           // SequenceMismatchError{Authoritative: 300}
//	m.Set(ctx, "api", 300)           // ok, flag cleared
package marker

import (
	"errors"
	"fmt"

	"github.com/vietddude/blockstor/internal/core/domain"
)

var (
	// ErrUnknownConsumer is returned for a consumer key that was not provisioned.
	ErrUnknownConsumer = errors.New("unknown consumer key")

	// ErrRollbackInProgress is returned by Set while the engine rolls back.
	ErrRollbackInProgress = errors.New("rollback in progress")

	// ErrNotReady is returned by Set before the engine has loaded its tip.
	ErrNotReady = errors.New("sync engine not ready")
)

// SequenceMismatchError rejects a Set and carries the sequence the consumer
// must resynchronize to.
type SequenceMismatchError struct {
	Requested     uint64
	Authoritative uint64
}

func (e *SequenceMismatchError) Error() string {
	return fmt.Sprintf("marker sequence %d rejected, authoritative sequence is %d", e.Requested, e.Authoritative)
}

// StatusSource is the engine's read-only state accessor.
type StatusSource interface {
	Snapshot() domain.SyncSnapshot
}
