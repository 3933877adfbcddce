package mysqlstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tenant_core/booking"
	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/dedup"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/usage"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// openTestStore connects to TEST_MYSQL_DSN (parseTime=true&loc=UTC) and
// migrates. Each test uses a fresh tenant id so runs do not interfere.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires TEST_MYSQL_DSN)")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_MYSQL_DSN"))
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN is not set")
	}
	db, err := config.OpenDatabase(dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	st := New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestIntegration_ConcurrentClaimsAreDisjoint(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	tenantId := "it-" + uuid.NewString()[:8]

	const total = 40
	mine := map[string]bool{}
	now := time.Now().UTC()
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("evt-%d", i)
		item, created, err := st.EnqueueItem(ctx, &models.QueueItem{
			ID:             uuid.NewString(),
			TenantId:       tenantId,
			IdempotencyKey: &key,
			Kind:           "pos.batch",
			Payload:        []byte("{}"),
			Status:         models.QueueItemStatusPending,
			NextEligibleAt: now.Add(-time.Second),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil || !created {
			t.Fatalf("enqueue %d: created=%v err=%v", i, created, err)
		}
		mine[item.ID] = true
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				at := time.Now().UTC()
				items, err := st.ClaimQueueItems(ctx, store.ClaimParams{WorkerId: worker, Limit: 5, Now: at, LeaseUntil: at.Add(time.Minute)})
				if err != nil {
					if models.IsRetryable(err) {
						continue
					}
					t.Errorf("claim: %v", err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					claimed[it.ID]++
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()

	for id := range mine {
		if claimed[id] != 1 {
			t.Fatalf("item %s claimed %d times", id, claimed[id])
		}
	}

	// Duplicate enqueue returns the existing row.
	key := "evt-0"
	_, created, err := st.EnqueueItem(ctx, &models.QueueItem{ID: uuid.NewString(), TenantId: tenantId, IdempotencyKey: &key, Kind: "pos.batch", Payload: []byte("{}"), Status: models.QueueItemStatusPending, NextEligibleAt: now, CreatedAt: now, UpdatedAt: now})
	if err != nil || created {
		t.Fatalf("duplicate enqueue: created=%v err=%v", created, err)
	}
}

func TestIntegration_OverlappingReservationsOneWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	tenantId := "it-" + uuid.NewString()[:8]
	s := booking.NewScheduler(st, 3, quietLogger())

	res, err := s.CreateResource(ctx, models.Resource{TenantId: tenantId, ResourceClass: "court"})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Reserve(ctx, booking.ReserveRequest{
				TenantId:   tenantId,
				ResourceId: res.ID,
				Start:      start.Add(time.Duration(i) * time.Minute),
				Duration:   time.Hour,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, models.ErrConflict):
			default:
				t.Errorf("reserve %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one reservation, got %d", successes)
	}
}

func TestIntegration_ResolveOrCreateAndUsageAreExactlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	tenantId := "it-" + uuid.NewString()[:8]
	logger := quietLogger()

	r := dedup.NewResolver(st, dedup.NewSlotLocker(64, 5*time.Second), dedup.NewNormalizer("US"), logger)
	l := usage.NewLedger(st, nil, logger)
	admin := utils.SetIsAdminInContext(ctx, true)
	if _, err := l.UpdatePolicy(admin, tenantId, usage.PolicyUpdate{Policy: models.OveragePolicyNotifyOnly, IncludedUnits: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]bool{}
		recorded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := r.ResolveOrCreate(ctx, tenantId, models.NaturalKey{Kind: models.KeyKindEmail, Value: "Walk.In@Example.com"}, models.ContactDefaults{})
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			res, err := l.RecordUsage(ctx, tenantId, "call-77", decimal.NewFromInt(3))
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			mu.Lock()
			ids[c.ID] = true
			if !res.Duplicate {
				recorded++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected one contact, got %d", len(ids))
	}
	if recorded != 1 {
		t.Fatalf("expected one recorded usage event, got %d", recorded)
	}
	status, err := l.CheckLimit(ctx, tenantId)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Snapshot.IncludedUsed.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 3 units used, got %s", status.Snapshot.IncludedUsed)
	}
}
