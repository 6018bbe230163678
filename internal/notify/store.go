package notify

import (
	"context"
	"time"
)

// PresenceWriter persists a present mark; repeated calls for the same
// (session, label) must be no-ops.
type PresenceWriter interface {
	MarkPresent(ctx context.Context, sessionID, label, eventID string, at time.Time) error
}

// StoreSink records every event as a PRESENT attendance row.
func StoreSink(w PresenceWriter) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		return w.MarkPresent(ctx, ev.SessionID, ev.Label, ev.EventID, ev.At)
	})
}
