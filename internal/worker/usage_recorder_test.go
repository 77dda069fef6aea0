package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/castellan-io/relaygate/internal"
)

type fakeUsageStore struct {
	mu     sync.Mutex
	opened []gateway.UsageRecord
	closed []string
}

func (s *fakeUsageStore) OpenUsage(_ context.Context, r gateway.UsageRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = "generated-" + string(rune('a'+len(s.opened)%26))
	}
	s.opened = append(s.opened, r)
	return r.ID, nil
}

func (s *fakeUsageStore) CloseUsage(_ context.Context, id string, _ gateway.UsageTokens) error {
	s.mu.Lock()
	s.closed = append(s.closed, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalClosed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closed)
}

func TestUsageRecorder_OpenReturnsID(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	id, err := rec.Open(context.Background(), gateway.UsageRecord{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}
	if len(store.opened) != 1 || store.opened[0].Model != "gpt-4o" {
		t.Fatalf("unexpected opened rows: %+v", store.opened)
	}
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send exactly usageBatchSize closes.
	for i := range usageBatchSize {
		rec.Close(string(rune('a'+i%26)), gateway.UsageTokens{})
	}

	deadline := time.After(2 * time.Second)
	for {
		if store.totalClosed() >= usageBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d closes", store.totalClosed())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_FlushOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan closeJob, usageChanSize),
		store: store,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send fewer than batch size.
	rec.Close("test-1", gateway.UsageTokens{})
	rec.Close("test-2", gateway.UsageTokens{})

	// Wait for ticker-based flush (usageFlushEvery = 5s, but test should pass).
	deadline := time.After(10 * time.Second)
	for {
		if store.totalClosed() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout flush not triggered; got %d closes", store.totalClosed())
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan closeJob, 2), // tiny buffer
		store: store,
	}

	// Fill the channel.
	rec.Close("1", gateway.UsageTokens{})
	rec.Close("2", gateway.UsageTokens{})
	// This should be dropped silently.
	rec.Close("3", gateway.UsageTokens{})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestUsageRecorder_NoOpOnEmptyID(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	rec.Close("", gateway.UsageTokens{})

	if len(rec.ch) != 0 {
		t.Errorf("expected no enqueue for empty id, channel len = %d", len(rec.ch))
	}
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send some closes.
	rec.Close("drain-1", gateway.UsageTokens{})
	rec.Close("drain-2", gateway.UsageTokens{})

	// Cancel immediately -- should drain.
	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalClosed() < 2 {
		t.Errorf("expected at least 2 drained closes, got %d", store.totalClosed())
	}
}
