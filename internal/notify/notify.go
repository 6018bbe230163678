// Package notify delivers first-seen attendance events to external sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

// Event is published once per (session, label) the first time the label is recognized.
type Event struct {
	SessionID string    `json:"session_id"`
	Label     string    `json:"label"`
	EventID   string    `json:"event_id"`
	At        time.Time `json:"at"`
}

// NewEvent stamps a fresh event id and the current time.
func NewEvent(sessionID, label string) Event {
	return Event{
		SessionID: sessionID,
		Label:     label,
		EventID:   uuid.NewString(),
		At:        time.Now().UTC(),
	}
}

// Sink receives attendance events. Implementations must tolerate redelivery of
// the same (session, label) pair.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every sink. All sinks are attempted; failures are joined.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Deliver(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// LogSink writes every event to the logger at info level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("student marked present",
		"session", facematch.SanitizeLabel(ev.SessionID),
		"label", facematch.SanitizeLabel(ev.Label),
		"event_id", ev.EventID)
	return nil
}

// Retry retries a failing delivery up to attempts times in total, sleeping
// backoff, then 2*backoff, and so on between tries. It stops early when ctx ends.
func Retry(sink Sink, attempts int, backoff time.Duration) Sink {
	if attempts < 1 {
		attempts = 1
	}
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var err error
		wait := backoff
		for i := range attempts {
			if err = sink.Deliver(ctx, ev); err == nil {
				return nil
			}
			if i == attempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("deliver %s: %w (last error: %w)", ev.EventID, ctx.Err(), err)
			case <-time.After(wait):
			}
			wait *= 2
		}
		return fmt.Errorf("deliver %s after %d attempts: %w", ev.EventID, attempts, err)
	})
}

// Callback binds sink to one session and returns the notifier the pipeline
// invokes for every newly recognized label.
func Callback(ctx context.Context, sessionID string, sink Sink) pipeline.Notifier {
	if sink == nil {
		return nil
	}
	return func(label string) error {
		return sink.Deliver(ctx, NewEvent(sessionID, label))
	}
}
