package worker

import (
	"context"
	"time"
)

// Info describes the activity attempt being executed. Handlers read it from
// their context via InfoFrom.
type Info struct {
	TaskID       string
	WorkflowID   string
	RunID        string
	ActivityType string
	Queue        string
	Attempt      int
	ScheduledAt  time.Time
	StartedAt    time.Time
	// Deadline is the start-to-close bound of this attempt, zero when the
	// activity sets none.
	Deadline time.Time
	// HeartbeatProgress carries the last progress recorded by an earlier
	// attempt, letting handlers resume partial work.
	HeartbeatProgress []byte
}

type ctxKey int

const (
	infoKey ctxKey = iota
	heartbeatKey
)

func withInvocation(ctx context.Context, info Info, hb *heartbeater) context.Context {
	ctx = context.WithValue(ctx, infoKey, info)
	return context.WithValue(ctx, heartbeatKey, hb)
}

// InfoFrom returns the attempt Info carried by an activity context. The
// second result is false outside a worker, such as when a test invokes a
// handler directly.
func InfoFrom(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey).(Info)
	return info, ok
}

// RecordHeartbeat stores progress bytes and nudges an immediate heartbeat.
// The worker also heartbeats on a timer at a third of the heartbeat window,
// so handlers only need to call this when they have progress worth saving.
// Outside a worker it is a no-op.
func RecordHeartbeat(ctx context.Context, progress []byte) {
	hb, ok := ctx.Value(heartbeatKey).(*heartbeater)
	if !ok {
		return
	}
	hb.record(progress)
}
