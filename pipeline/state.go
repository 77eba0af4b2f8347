package pipeline

import (
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/metrics"
)

// State is the lifecycle state of a Worker.
type State int32

// The worker moves Opening -> Running -> Draining -> Stopped, or ends in Failed when the
// source cannot be opened or read.
const (
	StateOpening State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

var allStates = []State{StateOpening, StateRunning, StateDraining, StateStopped, StateFailed}

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets states be used as JSON values.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the worker will not change state anymore.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

func reportState(current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.WorkerState.WithLabelValues(s.String()).Set(v)
	}
}

// UnmarshalText parses the output of MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range allStates {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return errors.Errorf("unknown worker state %q", text)
}
