package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/store/memory"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	clock := newFakeClock()
	m := NewManager(memory.New(), cfg, quietLogger())
	m.Now = clock.Now
	return m, clock
}

func enqueueN(t *testing.T, m *Manager, clock *fakeClock, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		item, created, err := m.Enqueue(context.Background(), "tenant-1", EnqueueRequest{
			Kind:           "chat.inbound",
			IdempotencyKey: fmt.Sprintf("msg-%d", i),
			Payload:        map[string]any{"i": i},
		})
		if err != nil || !created {
			t.Fatalf("enqueue %d: created=%v err=%v", i, created, err)
		}
		ids = append(ids, item.ID)
		clock.Advance(time.Millisecond)
	}
	return ids
}

func TestClaimBatch_ConcurrentClaimersGetDisjointItems(t *testing.T) {
	m, clock := newTestManager(DefaultConfig())
	ids := enqueueN(t, m, clock, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
		dupes   []string
	)
	for w := 0; w < 8; w++ {
		worker := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := m.ClaimBatch(context.Background(), worker, 7, time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					if prev, ok := claimed[it.ID]; ok {
						dupes = append(dupes, it.ID+" by "+prev+" and "+worker)
					}
					claimed[it.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(dupes) > 0 {
		t.Fatalf("items claimed twice: %v", dupes)
	}
	if len(claimed) != len(ids) {
		t.Fatalf("expected all %d items claimed, got %d", len(ids), len(claimed))
	}
}

func TestClaimBatch_QueuedTierFirstThenOldest(t *testing.T) {
	m, clock := newTestManager(Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second})
	ctx := context.Background()
	ids := enqueueN(t, m, clock, 3)

	// Push the newest item through a failed attempt so it lands in the queued tier.
	first, err := m.ClaimBatch(ctx, "w", 3, time.Minute)
	if err != nil || len(first) != 3 {
		t.Fatalf("claim: %v (%d)", err, len(first))
	}
	for _, it := range first {
		outcome := Retriable("flaky")
		if it.ID != ids[2] {
			outcome = Success()
		}
		if _, err := m.Complete(ctx, it.ID, "w", outcome); err != nil {
			t.Fatal(err)
		}
	}
	more := enqueueN(t, m, clock, 2)
	clock.Advance(2 * time.Second)

	got, err := m.ClaimBatch(ctx, "w", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{ids[2], more[0], more[1]}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i].ID)
		}
	}
}

func TestComplete_RequiresLiveLease(t *testing.T) {
	m, clock := newTestManager(Config{LeaseDuration: 30 * time.Second})
	ctx := context.Background()
	enqueueN(t, m, clock, 1)

	items, err := m.ClaimBatch(ctx, "w1", 1, 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("claim: %v", err)
	}
	if !items[0].LeaseExpiresAt.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("expected default lease of 30s, got %v", items[0].LeaseExpiresAt)
	}
	if _, err := m.Complete(ctx, items[0].ID, "w2", Success()); !errors.Is(err, models.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired for foreign worker, got %v", err)
	}

	clock.Advance(31 * time.Second)
	if _, err := m.Complete(ctx, items[0].ID, "w1", Success()); !errors.Is(err, models.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired after expiry, got %v", err)
	}
	item, err := m.Get(ctx, "tenant-1", items[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.QueueItemStatusProcessing {
		t.Fatalf("a rejected completion must not change state, got %s", item.Status)
	}
}

func TestComplete_RetriableBacksOffThenDeadLetters(t *testing.T) {
	m, clock := newTestManager(Config{MaxAttempts: 3, BaseBackoff: 10 * time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()
	ids := enqueueN(t, m, clock, 1)

	var dead []models.QueueItem
	m.OnDeadLetter(func(_ context.Context, item models.QueueItem) { dead = append(dead, item) })

	for attempt := 1; attempt <= 3; attempt++ {
		items, err := m.ClaimBatch(ctx, "w", 1, time.Minute)
		if err != nil || len(items) != 1 {
			t.Fatalf("attempt %d: claim returned %d items, err=%v", attempt, len(items), err)
		}
		item, err := m.Complete(ctx, ids[0], "w", Retriable("upstream 503"))
		if err != nil {
			t.Fatal(err)
		}
		if item.AttemptCount != attempt {
			t.Fatalf("expected attempt_count %d, got %d", attempt, item.AttemptCount)
		}
		if attempt < 3 {
			if item.Status != models.QueueItemStatusQueued {
				t.Fatalf("expected queued, got %s", item.Status)
			}
			wantDelay := m.config().Backoff(attempt)
			if !item.NextEligibleAt.Equal(clock.Now().Add(wantDelay)) {
				t.Fatalf("expected next eligible in %s", wantDelay)
			}
			if early, _ := m.ClaimBatch(ctx, "w", 1, time.Minute); len(early) != 0 {
				t.Fatalf("item must not be claimable during backoff")
			}
			clock.Advance(wantDelay)
			continue
		}
		if item.Status != models.QueueItemStatusDeadLetter || item.FailureReason == nil || item.DeadLetteredAt == nil {
			t.Fatalf("expected dead_letter with reason, got %+v", item)
		}
	}
	if len(dead) != 1 || dead[0].ID != ids[0] {
		t.Fatalf("expected one dead-letter notification, got %d", len(dead))
	}
}

func TestComplete_PermanentDeadLettersImmediately(t *testing.T) {
	m, clock := newTestManager(DefaultConfig())
	ctx := context.Background()
	enqueueN(t, m, clock, 1)
	items, _ := m.ClaimBatch(ctx, "w", 1, time.Minute)

	item, err := m.Complete(ctx, items[0].ID, "w", Failed("malformed payload"))
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.QueueItemStatusDeadLetter || *item.FailureReason != "malformed payload" {
		t.Fatalf("expected dead_letter with reason, got %s", item.Status)
	}
}

func TestReclaimExpiredLeases_RequeuesOnceAndIsIdempotent(t *testing.T) {
	m, clock := newTestManager(Config{MaxAttempts: 3})
	ctx := context.Background()
	enqueueN(t, m, clock, 2)

	items, err := m.ClaimBatch(ctx, "crashed-worker", 2, 10*time.Second)
	if err != nil || len(items) != 2 {
		t.Fatalf("claim: %v", err)
	}
	// Finish one before the crash.
	if _, err := m.Complete(ctx, items[0].ID, "crashed-worker", Success()); err != nil {
		t.Fatal(err)
	}

	if n, _ := m.ReclaimExpiredLeases(ctx); n != 0 {
		t.Fatalf("nothing has expired yet, reclaimed %d", n)
	}
	clock.Advance(11 * time.Second)

	n, err := m.ReclaimExpiredLeases(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d (err=%v)", n, err)
	}
	item, _ := m.Get(ctx, "tenant-1", items[1].ID)
	if item.Status != models.QueueItemStatusQueued || item.AttemptCount != 1 || item.LeaseOwner != nil {
		t.Fatalf("unexpected reclaimed state: status=%s attempts=%d", item.Status, item.AttemptCount)
	}
	if item.NextEligibleAt.After(clock.Now()) {
		t.Fatalf("reclaimed item should be eligible immediately")
	}

	if n, _ := m.ReclaimExpiredLeases(ctx); n != 0 {
		t.Fatalf("second sweep should be a no-op, reclaimed %d", n)
	}

	again, _ := m.ClaimBatch(ctx, "w2", 5, time.Minute)
	if len(again) != 1 || again[0].ID != items[1].ID {
		t.Fatalf("expected the reclaimed item to be claimable again")
	}
}

func TestComplete_StaleClaimOfSameWorkerIsRejected(t *testing.T) {
	m, clock := newTestManager(Config{MaxAttempts: 5})
	ctx := context.Background()
	enqueueN(t, m, clock, 1)

	first, err := m.ClaimBatch(ctx, "w", 1, 10*time.Second)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim: %v", err)
	}
	clock.Advance(11 * time.Second)
	if n, err := m.ReclaimExpiredLeases(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d (err=%v)", n, err)
	}
	second, err := m.ClaimBatch(ctx, "w", 1, 10*time.Second)
	if err != nil || len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("same worker should re-claim the item: %v", err)
	}

	// The first attempt finishes late, under the same worker id.
	if _, err := m.Complete(ctx, first[0].ID, "w", Success().From(first[0])); !errors.Is(err, models.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired for the stale claim, got %v", err)
	}
	item, err := m.Complete(ctx, second[0].ID, "w", Retriable("upstream 503").From(second[0]))
	if err != nil {
		t.Fatalf("current claim should complete: %v", err)
	}
	if item.Status != models.QueueItemStatusQueued && item.Status != models.QueueItemStatusPending {
		t.Fatalf("expected the item back in the queue, got %s", item.Status)
	}
}

func TestReclaimExpiredLeases_DeadLettersAtCeiling(t *testing.T) {
	m, clock := newTestManager(Config{MaxAttempts: 2})
	ctx := context.Background()
	ids := enqueueN(t, m, clock, 1)

	for round := 1; round <= 2; round++ {
		if items, _ := m.ClaimBatch(ctx, "w", 1, time.Second); len(items) != 1 {
			t.Fatalf("round %d: expected a claim", round)
		}
		clock.Advance(2 * time.Second)
		if n, err := m.ReclaimExpiredLeases(ctx); err != nil || n != 1 {
			t.Fatalf("round %d: reclaimed %d err=%v", round, n, err)
		}
	}
	item, _ := m.Get(ctx, "tenant-1", ids[0])
	if item.Status != models.QueueItemStatusDeadLetter {
		t.Fatalf("expected dead_letter after %d lost leases, got %s", 2, item.Status)
	}
}

func TestEnqueue_DuplicateKeyReturnsExistingItem(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	req := EnqueueRequest{Kind: "pos.webhook", IdempotencyKey: "evt-991", Payload: map[string]any{"total": 12}}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, c, err := m.Enqueue(ctx, "tenant-1", req)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			mu.Lock()
			ids[item.ID] = true
			if c {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one item created once, got ids=%d created=%d", len(ids), created)
	}

	// Same key under another tenant is a different item.
	other, c, err := m.Enqueue(ctx, "tenant-2", req)
	if err != nil || !c || ids[other.ID] {
		t.Fatalf("expected a separate item for another tenant")
	}
}

func TestEnqueue_Validates(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	if _, _, err := m.Enqueue(context.Background(), "tenant-1", EnqueueRequest{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing kind, got %v", err)
	}
	if _, _, err := m.Enqueue(context.Background(), "tenant-1", EnqueueRequest{Kind: "x", Payload: []byte("{")}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad payload, got %v", err)
	}
}

func TestDeadLetterAdmin_RequeueAndDiscard(t *testing.T) {
	m, clock := newTestManager(DefaultConfig())
	ctx := context.Background()
	admin := utils.SetIsAdminInContext(ctx, true)
	ids := enqueueN(t, m, clock, 2)

	items, _ := m.ClaimBatch(ctx, "w", 2, time.Minute)
	for _, it := range items {
		if _, err := m.Complete(ctx, it.ID, "w", Failed("bad")); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.ListDeadLetters(ctx, "tenant-1", 10); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden without admin, got %v", err)
	}
	dead, err := m.ListDeadLetters(admin, "tenant-1", 10)
	if err != nil || len(dead) != 2 {
		t.Fatalf("expected 2 dead letters, got %d (err=%v)", len(dead), err)
	}
	if _, err := m.RequeueDeadLetter(admin, "tenant-2", ids[0]); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}

	requeued, err := m.RequeueDeadLetter(admin, "tenant-1", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != models.QueueItemStatusQueued || requeued.AttemptCount != 0 {
		t.Fatalf("expected queued with reset attempts, got %s/%d", requeued.Status, requeued.AttemptCount)
	}
	if requeued.FailureReason == nil || requeued.DeadLetteredAt == nil {
		t.Fatalf("requeue must keep failure history")
	}
	if _, err := m.RequeueDeadLetter(admin, "tenant-1", ids[0]); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("requeue of a live item should conflict, got %v", err)
	}

	discarded, err := m.DiscardDeadLetter(admin, "tenant-1", ids[1], "duplicate order")
	if err != nil {
		t.Fatal(err)
	}
	if discarded.Status != models.QueueItemStatusFailed {
		t.Fatalf("expected failed, got %s", discarded.Status)
	}
	if again, _ := m.ClaimBatch(ctx, "w", 5, time.Minute); len(again) != 1 || again[0].ID != ids[0] {
		t.Fatalf("only the requeued item should be claimable")
	}
}

func TestSetLeaseTimeout(t *testing.T) {
	m, clock := newTestManager(DefaultConfig())
	m.SetLeaseTimeout(5 * time.Second)
	enqueueN(t, m, clock, 1)
	items, _ := m.ClaimBatch(context.Background(), "w", 1, 0)
	if len(items) != 1 || !items[0].LeaseExpiresAt.Equal(clock.Now().Add(5*time.Second)) {
		t.Fatalf("expected the new lease timeout to apply")
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BaseBackoff: 5 * time.Second, MaxBackoff: time.Minute}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{60, time.Minute},
	}
	for _, tc := range cases {
		if got := cfg.Backoff(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

// downQueueStore fails every enqueue with ErrStoreUnavailable.
type downQueueStore struct {
	store.QueueStore
	mu    sync.Mutex
	calls int
}

func (d *downQueueStore) EnqueueItem(context.Context, *models.QueueItem) (*models.QueueItem, bool, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, false, models.ErrStoreUnavailable
}

func TestEnqueue_StoreUnavailableSurfacesImmediately(t *testing.T) {
	down := &downQueueStore{}
	m := NewManager(down, DefaultConfig(), quietLogger())

	_, created, err := m.Enqueue(context.Background(), "tenant-1", EnqueueRequest{Kind: "chat.inbound", IdempotencyKey: "msg-1"})
	if !errors.Is(err, models.ErrStoreUnavailable) || created {
		t.Fatalf("expected ErrStoreUnavailable, got created=%v err=%v", created, err)
	}
	if down.calls != 1 {
		t.Fatalf("expected exactly one store call, got %d", down.calls)
	}
}
