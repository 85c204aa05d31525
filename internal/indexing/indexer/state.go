package indexer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/blockstor/internal/core/domain"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

const historySize = 10

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[domain.EngineState][]domain.EngineState{
	domain.EngineStateStarting: {domain.EngineStateRollbackCheck, domain.EngineStateStopped},
	domain.EngineStateRollbackCheck: {
		domain.EngineStateRollingBack,
		domain.EngineStateSyncing,
		domain.EngineStateSteady,
		domain.EngineStateStopped,
	},
	domain.EngineStateRollingBack: {domain.EngineStateRollbackCheck, domain.EngineStateStopped},
	domain.EngineStateSyncing: {
		domain.EngineStateRollbackCheck,
		domain.EngineStateSteady,
		domain.EngineStateStopped,
	},
	domain.EngineStateSteady:  {domain.EngineStateRollbackCheck, domain.EngineStateStopped},
	domain.EngineStateStopped: {domain.EngineStateStarting},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to domain.EngineState) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      domain.EngineState `json:"from"`
	To        domain.EngineState `json:"to"`
	Reason    string             `json:"reason"`
	Timestamp time.Time          `json:"timestamp"`
}

// SyncState is the engine's mutable state. The engine is its only writer;
// collaborators read it through Snapshot.
type SyncState struct {
	mu         sync.RWMutex
	state      domain.EngineState
	status     domain.SyncStatus
	tip        *domain.BlockHeader
	nodeHeight uint32
	history    []Transition

	aborting atomic.Bool
}

// NewSyncState returns a state in EngineStateStarting.
func NewSyncState() *SyncState {
	return &SyncState{
		state:  domain.EngineStateStarting,
		status: domain.SyncStatusSyncing,
	}
}

// Snapshot returns a read-only copy.
func (s *SyncState) Snapshot() domain.SyncSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.SyncSnapshot{
		State:      s.state,
		Status:     s.status,
		NodeHeight: s.nodeHeight,
	}
	if s.tip != nil {
		snap.HasTip = true
		snap.Height = s.tip.Height
		snap.Hash = s.tip.Hash
		snap.Sequence = s.tip.EndSequence()
	}
	return snap
}

// Tip returns a copy of the tip header, or nil for an empty index.
func (s *SyncState) Tip() *domain.BlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tip == nil {
		return nil
	}
	tip := *s.tip
	return &tip
}

func (s *SyncState) State() domain.EngineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns the most recent transitions, oldest first.
func (s *SyncState) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// transition moves to the given state and reports whether the
// consumer-facing status changed. The rollback check and stop keep the
// previous status so a steady engine does not flap between synced and
// syncing every cycle.
func (s *SyncState) transition(to domain.EngineState, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == to {
		return false, nil
	}
	if !CanTransition(s.state, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}

	t := Transition{From: s.state, To: to, Reason: reason, Timestamp: time.Now()}
	if len(s.history) >= historySize {
		copy(s.history, s.history[1:])
		s.history[len(s.history)-1] = t
	} else {
		s.history = append(s.history, t)
	}
	s.state = to

	if to == domain.EngineStateRollbackCheck || to == domain.EngineStateStopped {
		return false, nil
	}
	status := to.Status()
	if status == s.status {
		return false, nil
	}
	s.status = status
	return true, nil
}

func (s *SyncState) setTip(hdr *domain.BlockHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hdr == nil {
		s.tip = nil
		return
	}
	tip := *hdr
	s.tip = &tip
}

func (s *SyncState) setNodeHeight(h uint32) {
	s.mu.Lock()
	s.nodeHeight = h
	s.mu.Unlock()
}

// Abort sets the abort flag checked between blocks and cycles.
func (s *SyncState) Abort() {
	s.aborting.Store(true)
}

func (s *SyncState) Aborting() bool {
	return s.aborting.Load()
}
