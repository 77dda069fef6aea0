// Package worker hosts detached background tasks that outlive a single
// request: usage finalization, rollup aggregation, and similar work that
// must survive a client disconnect.
package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/castellan-io/relaygate/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	OpenUsage(ctx context.Context, r gateway.UsageRecord) (string, error)
	CloseUsage(ctx context.Context, id string, tokens gateway.UsageTokens) error
}

// closeJob is a buffered Close call awaiting a detached flush.
type closeJob struct {
	id     string
	tokens gateway.UsageTokens
}

// UsageRecorder finalizes usage rows opened before an upstream call. Open
// is synchronous -- the caller needs the row id immediately to hand back
// for closing once the response is known. Close only enqueues; the actual
// store write happens on the batch/timer trigger in Run, on a goroutine
// independent of the request that produced it, so accounting survives a
// client disconnect mid-stream.
type UsageRecorder struct {
	ch    chan closeJob
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan closeJob, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Open inserts a usage row before the upstream call is dispatched and
// returns its id, synchronously: the row must exist (and be billable)
// before the call proceeds, so a crash mid-call still leaves an
// auditable, if incomplete, record.
func (u *UsageRecorder) Open(ctx context.Context, r gateway.UsageRecord) (string, error) {
	return u.store.OpenUsage(ctx, r)
}

// Close enqueues the final token counts, cost, and status for a
// previously opened row. Never blocks: a full channel drops the close and
// logs a warning rather than stall the request goroutine. An empty id is
// a no-op, so callers can skip Open entirely when no recorder is wired.
func (u *UsageRecorder) Close(id string, tokens gateway.UsageTokens) {
	if id == "" {
		return
	}
	select {
	case u.ch <- closeJob{id: id, tokens: tokens}:
	default:
		slog.Warn("usage close dropped, channel full", "usage_id", id)
	}
}

// Run processes closes until ctx is cancelled, then drains remaining ones.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]closeJob, 0, usageBatchSize)

	for {
		select {
		case j := <-u.ch:
			buf = append(buf, j)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []closeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case j := <-u.ch:
			buf = append(buf, j)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []closeJob) {
	batch := make([]closeJob, len(buf))
	copy(batch, buf)

	for _, j := range batch {
		if err := u.store.CloseUsage(ctx, j.id, j.tokens); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage close failed",
				slog.String("usage_id", j.id),
				slog.String("error", err.Error()),
			)
		}
	}
}
