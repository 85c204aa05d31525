package throttle

import (
	"sync/atomic"
	"time"
)

// Pacer picks the delay before the next sync cycle from the number of
// blocks the index trails the node by.
type Pacer struct {
	idle time.Duration
	cfg  Config
	last atomic.Int64
}

// NewPacer returns a Pacer that waits idle between cycles at the tip.
func NewPacer(idle time.Duration, cfg Config) *Pacer {
	p := &Pacer{idle: idle, cfg: cfg}
	p.last.Store(int64(p.clamp(idle)))
	return p
}

// Next returns the delay for a gap of behind blocks.
func (p *Pacer) Next(behind uint32) time.Duration {
	d := p.idle
	switch {
	case behind == 0:
	case behind < p.cfg.NearTip:
		d = p.idle / 2
	case behind < p.cfg.FarBehind:
		d = 2 * p.cfg.Floor
	default:
		d = p.cfg.Floor
	}
	d = p.clamp(d)
	p.last.Store(int64(d))
	return d
}

// Last returns the most recent delay handed out.
func (p *Pacer) Last() time.Duration {
	return time.Duration(p.last.Load())
}

func (p *Pacer) clamp(d time.Duration) time.Duration {
	if p.cfg.Floor > 0 && d < p.cfg.Floor {
		return p.cfg.Floor
	}
	if p.cfg.Ceiling > 0 && d > p.cfg.Ceiling {
		return p.cfg.Ceiling
	}
	return d
}
