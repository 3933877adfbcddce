package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/utils"
)

func TestProcessor_RoutesOutcomesByHandlerResult(t *testing.T) {
	m, clock := newTestManager(Config{MaxAttempts: 3, BaseBackoff: time.Second})
	ctx := context.Background()

	enqueue := func(kind, key string) string {
		item, _, err := m.Enqueue(ctx, "tenant-1", EnqueueRequest{Kind: kind, IdempotencyKey: key})
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)
		return item.ID
	}
	okId := enqueue("ok", "1")
	flakyId := enqueue("flaky", "2")
	badId := enqueue("bad", "3")
	panicId := enqueue("boom", "4")
	unknownId := enqueue("nobody-handles-this", "5")

	var seenTenant atomic.Value
	p := NewProcessor(m, ProcessorConfig{WorkerId: "proc-1", BatchSize: 10, Concurrency: 3}, quietLogger())
	p.Handle("ok", func(ctx context.Context, item models.QueueItem) error {
		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		seenTenant.Store(tenantId)
		return nil
	})
	p.Handle("flaky", func(context.Context, models.QueueItem) error { return errors.New("timeout talking to pos") })
	p.Handle("bad", func(context.Context, models.QueueItem) error { return Permanent(errors.New("unknown sku")) })
	p.Handle("boom", func(context.Context, models.QueueItem) error { panic("nil map") })

	n, err := p.ProcessOnce(ctx)
	if err != nil || n != 5 {
		t.Fatalf("expected 5 processed, got %d (err=%v)", n, err)
	}
	if got, _ := seenTenant.Load().(string); got != "tenant-1" {
		t.Fatalf("handler context should carry the item tenant, got %q", got)
	}

	want := map[string]models.QueueItemStatus{
		okId:      models.QueueItemStatusProcessed,
		flakyId:   models.QueueItemStatusQueued,
		badId:     models.QueueItemStatusDeadLetter,
		panicId:   models.QueueItemStatusQueued,
		unknownId: models.QueueItemStatusDeadLetter,
	}
	for id, status := range want {
		item, err := m.Get(ctx, "tenant-1", id)
		if err != nil {
			t.Fatal(err)
		}
		if item.Status != status {
			t.Errorf("%s (%s): expected %s, got %s", id, item.Kind, status, item.Status)
		}
	}
}

func TestProcessor_InvalidInputIsNotRetried(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	item, _, _ := m.Enqueue(ctx, "tenant-1", EnqueueRequest{Kind: "usage.report"})

	p := NewProcessor(m, ProcessorConfig{WorkerId: "proc-1"}, quietLogger())
	p.Handle("usage.report", func(context.Context, models.QueueItem) error {
		return models.ValidationError{Field: "amount", Message: "must be positive"}
	})
	if _, err := p.ProcessOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, "tenant-1", item.ID)
	if got.Status != models.QueueItemStatusDeadLetter || got.AttemptCount != 1 {
		t.Fatalf("expected dead_letter after one attempt, got %s/%d", got.Status, got.AttemptCount)
	}
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	var handled int32
	for i := 0; i < 3; i++ {
		if _, _, err := m.Enqueue(context.Background(), "tenant-1", EnqueueRequest{Kind: "ok"}); err != nil {
			t.Fatal(err)
		}
	}
	p := NewProcessor(m, ProcessorConfig{WorkerId: "proc-1", PollInterval: 5 * time.Millisecond}, quietLogger())
	p.Handle("ok", func(context.Context, models.QueueItem) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&handled) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after cancel")
	}
	if atomic.LoadInt32(&handled) != 3 {
		t.Fatalf("expected 3 handled items, got %d", handled)
	}
}
