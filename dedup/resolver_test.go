package dedup

import (
	"context"
	"errors"
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

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestResolver(locker Locker) (*Resolver, *memory.Store) {
	st := memory.New()
	return NewResolver(st, locker, NewNormalizer("US"), quietLogger()), st
}

// noLocker lets every caller through, leaving the store's unique key as the only guard.
type noLocker struct{}

func (noLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

func resolveConcurrently(t *testing.T, r *Resolver, n int, key models.NaturalKey) (ids map[string]int, createdCount int) {
	t.Helper()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	ids = map[string]int{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, created, err := r.ResolveOrCreate(context.Background(), "tenant-1", key, models.ContactDefaults{Name: "Aye"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[c.ID]++
			if created {
				createdCount++
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	return ids, createdCount
}

func TestResolveOrCreate_ConcurrentCallersGetOneContact(t *testing.T) {
	r, _ := newTestResolver(NewSlotLocker(64, time.Second))
	ids, created := resolveConcurrently(t, r, 50, models.NaturalKey{Kind: models.KeyKindPhone, Value: "+1 650-253-0000"})

	if len(ids) != 1 {
		t.Fatalf("expected exactly 1 contact id, got %d (%v)", len(ids), ids)
	}
	if created != 1 {
		t.Fatalf("expected exactly 1 created=true, got %d", created)
	}
}

func TestResolveOrCreate_UniqueKeyCatchesRaceWithoutLock(t *testing.T) {
	r, _ := newTestResolver(noLocker{})
	ids, created := resolveConcurrently(t, r, 30, models.NaturalKey{Kind: models.KeyKindEmail, Value: "aye@example.com"})

	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one contact created once, got ids=%v created=%d", ids, created)
	}
}

func TestResolveOrCreate_NormalizesKeys(t *testing.T) {
	r, _ := newTestResolver(NewSlotLocker(8, time.Second))
	ctx := context.Background()

	first, created, err := r.ResolveOrCreate(ctx, "tenant-1", models.NaturalKey{Kind: models.KeyKindPhone, Value: "(650) 253-0000"}, models.ContactDefaults{})
	if err != nil || !created {
		t.Fatalf("first resolve: created=%v err=%v", created, err)
	}
	if first.NaturalKey != "+16502530000" {
		t.Fatalf("expected E.164 key, got %q", first.NaturalKey)
	}

	second, created, err := r.ResolveOrCreate(ctx, "tenant-1", models.NaturalKey{Kind: models.KeyKindPhone, Value: "+1 650 253 0000"}, models.ContactDefaults{})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing contact %s, got %s (created=%v)", first.ID, second.ID, created)
	}

	a, _, err := r.ResolveOrCreate(ctx, "tenant-1", models.NaturalKey{Kind: models.KeyKindEmail, Value: " Aye@Example.COM "}, models.ContactDefaults{})
	if err != nil {
		t.Fatalf("email resolve: %v", err)
	}
	if a.NaturalKey != "aye@example.com" {
		t.Fatalf("expected lower-cased email, got %q", a.NaturalKey)
	}
}

func TestResolveOrCreate_TenantsAreIsolated(t *testing.T) {
	r, _ := newTestResolver(NewSlotLocker(8, time.Second))
	ctx := context.Background()
	key := models.NaturalKey{Kind: models.KeyKindExternal, Value: "pos-customer-42"}

	a, _, err := r.ResolveOrCreate(ctx, "tenant-a", key, models.ContactDefaults{})
	if err != nil {
		t.Fatal(err)
	}
	b, created, err := r.ResolveOrCreate(ctx, "tenant-b", key, models.ContactDefaults{})
	if err != nil {
		t.Fatal(err)
	}
	if !created || a.ID == b.ID {
		t.Fatalf("expected a separate contact per tenant")
	}
}

func TestResolveOrCreate_RejectsInvalidKeys(t *testing.T) {
	r, _ := newTestResolver(NewSlotLocker(8, time.Second))
	cases := []models.NaturalKey{
		{Kind: models.KeyKindPhone, Value: "not a number"},
		{Kind: models.KeyKindEmail, Value: "nobody"},
		{Kind: models.KeyKindExternal, Value: "   "},
		{Kind: "fax", Value: "123"},
	}
	for _, key := range cases {
		_, _, err := r.ResolveOrCreate(context.Background(), "tenant-1", key, models.ContactDefaults{})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", key, err)
		}
	}
}

func TestResolveOrCreate_RejectsOtherTenantsContext(t *testing.T) {
	r, _ := newTestResolver(NewSlotLocker(8, time.Second))
	ctx := utils.SetTenantIdInContext(context.Background(), "tenant-a")
	_, _, err := r.ResolveOrCreate(ctx, "tenant-b", models.NaturalKey{Kind: models.KeyKindExternal, Value: "x"}, models.ContactDefaults{})
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSoftDelete_ExcludesRowAndReactivationIsOptIn(t *testing.T) {
	r, _ := newTestResolver(NewSlotLocker(8, time.Second))
	ctx := context.Background()
	admin := utils.SetIsAdminInContext(ctx, true)
	key := models.NaturalKey{Kind: models.KeyKindEmail, Value: "mya@example.com"}

	orig, _, err := r.ResolveOrCreate(ctx, "tenant-1", key, models.ContactDefaults{Name: "Mya"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.SoftDelete(ctx, "tenant-1", orig.ID, "gdpr"); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected non-admin soft delete to be forbidden, got %v", err)
	}
	if _, err := r.SoftDelete(admin, "tenant-1", orig.ID, "gdpr"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	fresh, created, err := r.ResolveOrCreate(ctx, "tenant-1", key, models.ContactDefaults{})
	if err != nil {
		t.Fatal(err)
	}
	if !created || fresh.ID == orig.ID {
		t.Fatalf("expected a new contact after soft delete, got %s (created=%v)", fresh.ID, created)
	}

	if _, err := r.SoftDelete(admin, "tenant-1", fresh.ID, "merge"); err != nil {
		t.Fatal(err)
	}
	revived, created, err := r.ResolveOrCreate(ctx, "tenant-1", key, models.ContactDefaults{}, WithReactivation())
	if err != nil {
		t.Fatal(err)
	}
	if !created || revived.ID != fresh.ID {
		t.Fatalf("expected most recently deleted contact %s to be reactivated, got %s", fresh.ID, revived.ID)
	}
	if !revived.IsLive() {
		t.Fatalf("reactivated contact should be live")
	}
}

func TestSlotLocker_TimesOut(t *testing.T) {
	l := NewSlotLocker(1, 20*time.Millisecond)
	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "b")
	if !errors.Is(err, models.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !models.IsRetryable(err) {
		t.Fatalf("lock timeout should be retryable")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("acquire returned before the timeout elapsed")
	}
}

func TestSlotLocker_ReleaseIsIdempotent(t *testing.T) {
	l := NewSlotLocker(1, 50*time.Millisecond)
	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	r2, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("expected slot to be free after release: %v", err)
	}
	r2()
	r3, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("slot should be free again: %v", err)
	}
	r3()
}

// downContactStore answers every lookup with ErrStoreUnavailable.
type downContactStore struct {
	store.ContactStore
	mu    sync.Mutex
	calls int
}

func (d *downContactStore) FindLiveContact(context.Context, string, models.NaturalKey) (*models.Contact, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, models.ErrStoreUnavailable
}

func TestResolveOrCreate_StoreUnavailableSurfacesImmediately(t *testing.T) {
	down := &downContactStore{}
	r := NewResolver(down, NewSlotLocker(4, time.Second), NewNormalizer("US"), quietLogger())

	_, created, err := r.ResolveOrCreate(context.Background(), "tenant-1",
		models.NaturalKey{Kind: models.KeyKindEmail, Value: "a@example.com"}, models.ContactDefaults{})
	if !errors.Is(err, models.ErrStoreUnavailable) || created {
		t.Fatalf("expected ErrStoreUnavailable, got created=%v err=%v", created, err)
	}
	if down.calls != 1 {
		t.Fatalf("expected exactly one store call, got %d", down.calls)
	}
}
