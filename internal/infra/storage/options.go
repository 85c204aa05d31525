package storage

import "math"

const (
	DefaultRangeLimit = 1000
	MaxRangeLimit     = 50000
	MaxSearchResults  = 20
)

// RangeOptions bounds a per-address scan on the sequence component of the
// key. When both a strict and an inclusive bound are set on the same side,
// the strict one wins.
type RangeOptions struct {
	GTE *uint64
	GT  *uint64
	LTE *uint64
	LT  *uint64

	Limit   int
	Reverse bool

	// SeqBreak drops trailing rows that share the last included sequence
	// so a page never splits a sequence group.
	SeqBreak bool
}

// Page is one result page of a range scan.
type Page[T any] struct {
	Items []T
	// LimitTooSmall is set when SeqBreak trimmed a full page to nothing.
	LimitTooSmall bool
}

// EffectiveLimit clamps Limit into [1, max], using the default for zero or
// negative values.
func (o RangeOptions) EffectiveLimit(max int) int {
	if max <= 0 {
		max = MaxRangeLimit
	}
	switch {
	case o.Limit <= 0:
		return min(DefaultRangeLimit, max)
	case o.Limit > max:
		return max
	default:
		return o.Limit
	}
}

// SequenceBounds converts the options to a half-open [lo, hi) window. ok is
// false when the window is empty.
func (o RangeOptions) SequenceBounds() (lo uint64, hi uint64, unbounded bool, ok bool) {
	unbounded = true
	switch {
	case o.GT != nil:
		if *o.GT == math.MaxUint64 {
			return 0, 0, false, false
		}
		lo = *o.GT + 1
	case o.GTE != nil:
		lo = *o.GTE
	}
	switch {
	case o.LT != nil:
		hi, unbounded = *o.LT, false
	case o.LTE != nil:
		if *o.LTE != math.MaxUint64 {
			hi, unbounded = *o.LTE+1, false
		}
	}
	if !unbounded && hi <= lo {
		return 0, 0, false, false
	}
	return lo, hi, unbounded, true
}

// Uint64 returns a pointer to v, for building RangeOptions.
func Uint64(v uint64) *uint64 {
	return &v
}
