package domain

import "time"

// Marker is a consumer's acknowledged position in the global sequence.
type Marker struct {
	Consumer   string    `json:"consumer"`
	Sequence   uint64    `json:"sequence"`
	RolledBack bool      `json:"rollback"`
	UpdatedAt  time.Time `json:"updated_at"`
}
