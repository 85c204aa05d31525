package indexer

import (
	"sync"
	"time"
)

// blockRecord holds timing data for an applied block.
type blockRecord struct {
	Height    uint32
	AppliedAt time.Time
}

// Stats holds sync performance data.
type Stats struct {
	BlocksPerSecond  float64       `json:"blocks_per_second"`
	AverageBlockTime time.Duration `json:"average_block_time"`
	LastRollbackAt   *time.Time    `json:"last_rollback_at,omitempty"`
	History          []Transition  `json:"history"`
}

// statsCollector tracks apply throughput over a sliding window.
type statsCollector struct {
	mu           sync.Mutex
	windowSize   int           // number of blocks to track
	blockTimes   []blockRecord // ring buffer of block records
	lastRollback *time.Time
}

func newStatsCollector(windowSize int) *statsCollector {
	return &statsCollector{windowSize: windowSize}
}

// recordBlock records timing for an applied block.
func (sc *statsCollector) recordBlock(height uint32, appliedAt time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	record := blockRecord{Height: height, AppliedAt: appliedAt}
	if len(sc.blockTimes) >= sc.windowSize {
		// Shift elements left, drop oldest
		copy(sc.blockTimes, sc.blockTimes[1:])
		sc.blockTimes[len(sc.blockTimes)-1] = record
	} else {
		sc.blockTimes = append(sc.blockTimes, record)
	}
}

func (sc *statsCollector) recordRollback(at time.Time) {
	sc.mu.Lock()
	sc.lastRollback = &at
	sc.mu.Unlock()
}

func (sc *statsCollector) stats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s := Stats{LastRollbackAt: sc.lastRollback}

	if len(sc.blockTimes) >= 2 {
		first := sc.blockTimes[0]
		last := sc.blockTimes[len(sc.blockTimes)-1]
		duration := last.AppliedAt.Sub(first.AppliedAt)

		if duration > 0 {
			blockCount := float64(len(sc.blockTimes) - 1)
			s.BlocksPerSecond = blockCount / duration.Seconds()
			s.AverageBlockTime = time.Duration(float64(duration) / blockCount)
		}
	}
	return s
}
