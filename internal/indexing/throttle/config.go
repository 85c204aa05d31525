// Package throttle paces the sync loop and caches the node's tip height
// between cycles.
package throttle

import "time"

// Config bounds the delay between sync cycles.
type Config struct {
	// Floor and Ceiling clamp every computed delay.
	Floor   time.Duration
	Ceiling time.Duration

	// TipTTL is how long a getblockcount answer is reused.
	TipTTL time.Duration

	// NearTip and FarBehind are block counts. Fewer than NearTip blocks
	// behind halves the idle delay; FarBehind or more runs at Floor.
	NearTip   uint32
	FarBehind uint32
}

// DefaultConfig returns the pacing used when none is configured.
func DefaultConfig() Config {
	return Config{
		Floor:     100 * time.Millisecond,
		Ceiling:   time.Minute,
		TipTTL:    3 * time.Second,
		NearTip:   5,
		FarBehind: 50,
	}
}
