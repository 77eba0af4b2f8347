// Package control implements the feedback loop that keeps the pipeline's classification cost
// bounded.
package control

import (
	"time"

	"github.com/pkg/errors"
)

// Defaults for the rate controller.
const (
	DefaultMaxSkip     = 4
	DefaultHighLatency = 100 * time.Millisecond
	DefaultLowLatency  = 50 * time.Millisecond
)

// RateConfig configures a RateController.
type RateConfig struct {
	MaxSkip     int
	HighLatency time.Duration
	LowLatency  time.Duration
}

// DefaultRateConfig returns the default configuration.
func DefaultRateConfig() RateConfig {
	return RateConfig{MaxSkip: DefaultMaxSkip, HighLatency: DefaultHighLatency, LowLatency: DefaultLowLatency}
}

// RateController decides which frames get classified. It is an integral controller on the
// classification latency: every processed frame moves the skip count by at most one, within
// [0, MaxSkip].
//
// A RateController is owned by a single goroutine and is not safe for concurrent use.
type RateController struct {
	cfg         RateConfig
	skip        int
	lastLatency time.Duration
	started     bool
}

// NewRateController returns a controller starting with no skipping.
func NewRateController(cfg RateConfig) (*RateController, error) {
	if cfg.MaxSkip < 0 {
		return nil, errors.Errorf("max skip must not be negative, got %d", cfg.MaxSkip)
	}
	if cfg.LowLatency < 0 || cfg.HighLatency <= cfg.LowLatency {
		return nil, errors.Errorf("high latency %s must be above low latency %s", cfg.HighLatency, cfg.LowLatency)
	}
	return &RateController{cfg: cfg}, nil
}

// ShouldProcess reports whether frame k should be classified. The first call always returns
// true so that something is published as soon as possible.
func (rc *RateController) ShouldProcess(k uint64) bool {
	if !rc.started {
		rc.started = true
		return true
	}
	return k%uint64(rc.skip+1) == 0
}

// RecordLatency feeds back how long the last classification pass took.
func (rc *RateController) RecordLatency(d time.Duration) {
	rc.lastLatency = d
	switch {
	case d > rc.cfg.HighLatency && rc.skip < rc.cfg.MaxSkip:
		rc.skip++
	case d < rc.cfg.LowLatency && rc.skip > 0:
		rc.skip--
	}
}

// SkipCount is the current number of frames skipped between classifications.
func (rc *RateController) SkipCount() int {
	return rc.skip
}

// LastLatency is the last recorded pass latency.
func (rc *RateController) LastLatency() time.Duration {
	return rc.lastLatency
}

// MaxSkip is the configured upper bound of SkipCount.
func (rc *RateController) MaxSkip() int {
	return rc.cfg.MaxSkip
}
