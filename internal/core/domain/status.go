package domain

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// EngineState is the sync engine's internal state.
type EngineState string

const (
	EngineStateStarting      EngineState = "starting"
	EngineStateRollbackCheck EngineState = "rollback_check"
	EngineStateRollingBack   EngineState = "rolling_back"
	EngineStateSyncing       EngineState = "syncing"
	EngineStateSteady        EngineState = "steady_state"
	EngineStateStopped       EngineState = "stopped"
)

// SyncStatus is the externally visible status enum.
type SyncStatus string

const (
	SyncStatusSyncing     SyncStatus = "syncing"
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusRollbacking SyncStatus = "rollbacking"
)

// Status maps an engine state onto the consumer-facing enum.
func (s EngineState) Status() SyncStatus {
	switch s {
	case EngineStateRollingBack:
		return SyncStatusRollbacking
	case EngineStateSteady:
		return SyncStatusSynced
	default:
		return SyncStatusSyncing
	}
}

// SyncSnapshot is a read-only copy of the engine's state.
type SyncSnapshot struct {
	State      EngineState    `json:"state"`
	Status     SyncStatus     `json:"status"`
	HasTip     bool           `json:"has_tip"`
	Height     uint32         `json:"height"`
	Hash       chainhash.Hash `json:"hash"`
	Sequence   uint64         `json:"sequence"`
	NodeHeight uint32         `json:"node_height"`
}
