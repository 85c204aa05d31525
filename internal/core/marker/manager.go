package marker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Manager handles marker operations with rollback fencing.
type Manager interface {
	// Get returns a consumer's marker; a consumer that never acknowledged
	// anything is at sequence zero.
	Get(ctx context.Context, consumer string) (*domain.Marker, error)

	// Set acknowledges seq for a consumer.
	Set(ctx context.Context, consumer string, seq uint64) (*domain.Marker, error)

	// BeginRollback fences Set until Rollback completes.
	BeginRollback()

	// Fenced reports whether a rollback began and has not completed.
	Fenced() bool

	// Rollback pulls every marker above ceiling down to it, flags them and
	// lifts the fence.
	Rollback(ctx context.Context, ceiling uint64) (int, error)

	// List returns all stored markers.
	List(ctx context.Context) ([]*domain.Marker, error)

	// DeleteUnused removes markers whose key is no longer provisioned.
	DeleteUnused(ctx context.Context) (int, error)

	// DeleteAll removes every marker.
	DeleteAll(ctx context.Context) (int, error)
}

// DefaultManager implements Manager over a storage.MarkerStore.
type DefaultManager struct {
	repo      storage.MarkerStore
	status    StatusSource
	consumers map[string]struct{}

	mu     sync.Mutex
	fenced bool
	log    *slog.Logger
}

var _ Manager = (*DefaultManager)(nil)

// NewManager creates a marker manager. An empty consumer list accepts any key.
func NewManager(repo storage.MarkerStore, status StatusSource, consumers []string) *DefaultManager {
	set := make(map[string]struct{}, len(consumers))
	for _, c := range consumers {
		set[c] = struct{}{}
	}
	return &DefaultManager{
		repo:      repo,
		status:    status,
		consumers: set,
		log:       slog.Default().With("component", "marker"),
	}
}

func (m *DefaultManager) provisioned(consumer string) bool {
	if consumer == "" {
		return false
	}
	if len(m.consumers) == 0 {
		return true
	}
	_, ok := m.consumers[consumer]
	return ok
}

// Get retrieves a consumer's marker.
func (m *DefaultManager) Get(ctx context.Context, consumer string) (*domain.Marker, error) {
	if !m.provisioned(consumer) {
		return nil, ErrUnknownConsumer
	}
	return m.load(ctx, consumer)
}

func (m *DefaultManager) load(ctx context.Context, consumer string) (*domain.Marker, error) {
	mk, err := m.repo.GetMarker(ctx, consumer)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Marker{Consumer: consumer}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get marker: %w", err)
	}
	return mk, nil
}

// Set acknowledges seq for a consumer.
func (m *DefaultManager) Set(ctx context.Context, consumer string, seq uint64) (*domain.Marker, error) {
	if !m.provisioned(consumer) {
		return nil, ErrUnknownConsumer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fenced {
		return nil, ErrRollbackInProgress
	}
	var snap domain.SyncSnapshot
	if m.status != nil {
		snap = m.status.Snapshot()
		switch snap.State {
		case domain.EngineStateStarting:
			return nil, ErrNotReady
		case domain.EngineStateRollingBack:
			return nil, ErrRollbackInProgress
		}
	}

	mk, err := m.load(ctx, consumer)
	if err != nil {
		return nil, err
	}
	if mk.RolledBack && seq != mk.Sequence {
		return nil, &SequenceMismatchError{Requested: seq, Authoritative: mk.Sequence}
	}
	if m.status != nil && seq > snap.Sequence {
		return nil, &SequenceMismatchError{Requested: seq, Authoritative: snap.Sequence}
	}

	mk.Sequence = seq
	mk.RolledBack = false
	mk.UpdatedAt = time.Now()
	if err := m.repo.PutMarker(ctx, mk); err != nil {
		return nil, fmt.Errorf("failed to save marker: %w", err)
	}
	return mk, nil
}

// BeginRollback fences marker writes.
func (m *DefaultManager) BeginRollback() {
	m.mu.Lock()
	m.fenced = true
	m.mu.Unlock()
}

// Fenced reports whether marker writes are fenced.
func (m *DefaultManager) Fenced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fenced
}

// Rollback resets markers above ceiling and lifts the fence. The fence stays
// up if the reset fails so the engine can retry on its next cycle.
func (m *DefaultManager) Rollback(ctx context.Context, ceiling uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	markers, err := m.repo.ListMarkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list markers: %w", err)
	}

	reset := 0
	now := time.Now()
	for _, mk := range markers {
		if mk.Sequence <= ceiling {
			continue
		}
		m.log.Warn("marker rolled back",
			"consumer", mk.Consumer,
			"from", mk.Sequence,
			"to", ceiling,
		)
		mk.Sequence = ceiling
		mk.RolledBack = true
		mk.UpdatedAt = now
		if err := m.repo.PutMarker(ctx, mk); err != nil {
			return reset, fmt.Errorf("failed to reset marker %s: %w", mk.Consumer, err)
		}
		reset++
	}

	m.fenced = false
	return reset, nil
}

// List returns all stored markers.
func (m *DefaultManager) List(ctx context.Context) ([]*domain.Marker, error) {
	return m.repo.ListMarkers(ctx)
}

// DeleteUnused removes markers for keys that are no longer provisioned.
func (m *DefaultManager) DeleteUnused(ctx context.Context) (int, error) {
	if len(m.consumers) == 0 {
		return 0, nil
	}
	return m.deleteWhere(ctx, func(mk *domain.Marker) bool {
		_, ok := m.consumers[mk.Consumer]
		return !ok
	})
}

// DeleteAll removes every marker.
func (m *DefaultManager) DeleteAll(ctx context.Context) (int, error) {
	return m.deleteWhere(ctx, func(*domain.Marker) bool { return true })
}

func (m *DefaultManager) deleteWhere(ctx context.Context, match func(*domain.Marker) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	markers, err := m.repo.ListMarkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list markers: %w", err)
	}
	n := 0
	for _, mk := range markers {
		if !match(mk) {
			continue
		}
		if err := m.repo.DeleteMarker(ctx, mk.Consumer); err != nil {
			return n, fmt.Errorf("failed to delete marker %s: %w", mk.Consumer, err)
		}
		n++
	}
	return n, nil
}
