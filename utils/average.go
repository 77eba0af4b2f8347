package utils

import (
	"sync"
	"time"
)

// RollingAverage keeps the mean of the last few durations added to it. It is safe for
// concurrent use.
type RollingAverage struct {
	mu    sync.Mutex
	data  []time.Duration
	pos   int
	count int
}

// NewRollingAverage returns a RollingAverage over numSamples values.
func NewRollingAverage(numSamples int) *RollingAverage {
	if numSamples < 1 {
		numSamples = 1
	}
	return &RollingAverage{data: make([]time.Duration, numSamples)}
}

// NumSamples is the window size.
func (ra *RollingAverage) NumSamples() int {
	return len(ra.data)
}

// Add records a sample, evicting the oldest one once the window is full.
func (ra *RollingAverage) Add(x time.Duration) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.data[ra.pos] = x
	ra.pos++
	if ra.pos >= len(ra.data) {
		ra.pos = 0
	}
	if ra.count < len(ra.data) {
		ra.count++
	}
}

// Average returns the mean of the recorded samples, or zero if there are none.
func (ra *RollingAverage) Average() time.Duration {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.count == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ra.data[:ra.count] {
		sum += d
	}
	return sum / time.Duration(ra.count)
}
