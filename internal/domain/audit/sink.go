package audit

import (
	"context"
	"errors"
)

// ErrUnknownEventType is returned by sinks for event types outside the
// closed set.
var ErrUnknownEventType = errors.New("unknown audit event type")

// Sink receives audit events. Writes are synchronous; the sink
// serialises concurrent callers internally.
type Sink interface {
	// Record writes one event.
	Record(ctx context.Context, event *Event) error
	// Close releases resources. No Record may follow Close.
	Close() error
}

// MultiSink fans one event out to several sinks. The first error is
// returned but every sink is attempted.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, event *Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Sink = (MultiSink)(nil)
