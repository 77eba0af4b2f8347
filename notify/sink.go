// Package notify delivers slot status changes to external sinks.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"go.spotsense.io/slotwatch/slots"
)

// A Sink receives slot status changes. Implementations must be safe to call from one goroutine
// while another closes them.
type Sink interface {
	Send(ctx context.Context, id string, occupied bool) error
}

// SinkError is a failed delivery. It is logged and never fatal.
type SinkError struct {
	Sink       string
	Slot       string
	StatusCode int
	Err        error
}

// NewSinkError returns a SinkError for a delivery of slot to the named sink.
func NewSinkError(sink, slot string, err error) *SinkError {
	return &SinkError{Sink: sink, Slot: slot, Err: err}
}

func (e *SinkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s sink: slot %q: unexpected status %d: %v", e.Sink, e.Slot, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s sink: slot %q: %v", e.Sink, e.Slot, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// statusBody is the payload every sink sends.
type statusBody struct {
	Status string `json:"status"`
}

func bodyFor(occupied bool) statusBody {
	return statusBody{Status: slots.StatusString(occupied)}
}

// MultiSink sends to every sink and combines the errors.
type MultiSink []Sink

// Send calls every sink even when an earlier one fails.
func (ms MultiSink) Send(ctx context.Context, id string, occupied bool) error {
	var errs error
	for _, s := range ms {
		errs = multierr.Append(errs, s.Send(ctx, id, occupied))
	}
	return errs
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, id string, occupied bool) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, id string, occupied bool) error {
	return f(ctx, id, occupied)
}
