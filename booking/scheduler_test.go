package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/store/memory"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
)

var nineAm = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScheduler(t *testing.T, resources ...models.Resource) *Scheduler {
	t.Helper()
	s := NewScheduler(memory.New(), 3, quietLogger())
	for _, r := range resources {
		if _, err := s.CreateResource(context.Background(), r); err != nil {
			t.Fatalf("create resource %s: %v", r.ID, err)
		}
	}
	return s
}

func stylist(id string) models.Resource {
	return models.Resource{ID: id, TenantId: "salon", ResourceClass: "stylist", Name: id, Capacity: 1}
}

func TestReserve_ConcurrentOverlapsExactlyOneWins(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))

	const n = 20
	var (
		wg        sync.WaitGroup
		wins      int32
		conflicts int32
		others    []error
		mu        sync.Mutex
	)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(context.Background(), ReserveRequest{
				TenantId:    "salon",
				ResourceId:  "mya",
				RequesterId: fmt.Sprintf("customer-%d", i),
				Start:       nineAm.Add(time.Duration(i) * time.Minute),
				Duration:    time.Hour,
			})
			var sc *models.SlotConflictError
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.As(err, &sc) && errors.Is(err, models.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				mu.Lock()
				others = append(others, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", n-1, wins, conflicts)
	}
}

func TestReserve_BackToBackDoesNotConflict(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()

	if _, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm.Add(time.Hour), Duration: time.Hour}); err != nil {
		t.Fatalf("[10:00,11:00) must not conflict with [09:00,10:00): %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm.Add(-time.Hour), Duration: time.Hour}); err != nil {
		t.Fatalf("[08:00,09:00) must not conflict with [09:00,10:00): %v", err)
	}
}

func TestReserve_ConflictCarriesOffendingInterval(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()

	first, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm.Add(30 * time.Minute), Duration: time.Hour})
	var sc *models.SlotConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected SlotConflictError, got %v", err)
	}
	if sc.ConflictingId != first.ID || !sc.Conflicting.Start.Equal(nineAm) || !sc.Conflicting.End.Equal(nineAm.Add(time.Hour)) {
		t.Fatalf("conflict should point at %s %s, got %s %s", first.ID, first.Interval(), sc.ConflictingId, sc.Conflicting)
	}
}

func TestReserve_IdempotencyKeyReturnsOriginal(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()
	req := ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour, IdempotencyKey: "req-7"}

	first, err := s.Reserve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("retry of the same request should not conflict: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected original reservation %s, got %s", first.ID, again.ID)
	}
	live, _ := s.store.ListReservations(ctx, "salon", "mya", models.NewInterval(nineAm, time.Hour))
	if len(live) != 1 {
		t.Fatalf("expected one reservation, got %d", len(live))
	}
}

func TestReserve_CancelFreesInterval(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()
	req := ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour}

	first, err := s.Reserve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reserve(ctx, req); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	cancelled, err := s.Cancel(ctx, "salon", first.ID, "customer called")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.ReservationStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled status with timestamp")
	}
	if _, err := s.Cancel(ctx, "salon", first.ID, "again"); err != nil {
		t.Fatalf("second cancel should be a no-op: %v", err)
	}
	if _, err := s.Reserve(ctx, req); err != nil {
		t.Fatalf("interval should be free after cancel: %v", err)
	}
	if _, err := s.Confirm(ctx, "salon", first.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("confirming a cancelled reservation should conflict, got %v", err)
	}
}

func TestReserveCapacity_PrefersSmallestFittingUnit(t *testing.T) {
	table := func(id string, seats int) models.Resource {
		return models.Resource{ID: id, TenantId: "bistro", ResourceClass: "table", Capacity: seats}
	}
	s := newTestScheduler(t, table("t2", 2), table("t4", 4), table("t4b", 4), table("t8", 8))
	ctx := context.Background()
	book := func(party int) (*models.Reservation, error) {
		return s.ReserveCapacity(ctx, CapacityRequest{TenantId: "bistro", ResourceClass: "table", Start: nineAm, Duration: 90 * time.Minute, PartySize: party})
	}

	got := []string{}
	for _, party := range []int{3, 3, 2, 3} {
		r, err := book(party)
		if err != nil {
			t.Fatalf("party of %d: %v", party, err)
		}
		got = append(got, r.ResourceId)
	}
	want := []string{"t4", "t4b", "t2", "t8"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("booking %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}

	if _, err := book(1); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict when every unit is taken, got %v", err)
	}
	if _, err := book(12); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input for a party no table fits, got %v", err)
	}
}

func TestReschedule_ExcludesItselfAndLinksRows(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()

	orig, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", RequesterId: "c1", Start: nineAm, Duration: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm.Add(2 * time.Hour), Duration: time.Hour}); err != nil {
		t.Fatal(err)
	}

	// Overlaps only its own old slot.
	moved, err := s.Reschedule(ctx, "salon", orig.ID, nineAm.Add(30*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("reschedule over own slot: %v", err)
	}
	if moved.RescheduledFromId == nil || *moved.RescheduledFromId != orig.ID || moved.RequesterId != "c1" {
		t.Fatalf("new reservation should link back to %s", orig.ID)
	}
	old, _ := s.Get(ctx, "salon", orig.ID)
	if old.Status != models.ReservationStatusCancelled {
		t.Fatalf("old reservation should be cancelled, got %s", old.Status)
	}

	if _, err := s.Reschedule(ctx, "salon", moved.ID, nineAm.Add(2*time.Hour), time.Hour); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict with the 11:00 booking, got %v", err)
	}
	still, _ := s.Get(ctx, "salon", moved.ID)
	if !still.IsLive() {
		t.Fatalf("a failed reschedule must leave the reservation untouched")
	}
}

func TestReschedule_KeepsConfirmation(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()

	orig, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Confirm(ctx, "salon", orig.ID); err != nil {
		t.Fatal(err)
	}
	moved, err := s.Reschedule(ctx, "salon", orig.ID, nineAm.Add(3*time.Hour), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Status != models.ReservationStatusConfirmed {
		t.Fatalf("rescheduled booking should stay confirmed, got %s", moved.Status)
	}

	// An unconfirmed booking stays scheduled.
	other, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm.Add(6 * time.Hour), Duration: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	movedOther, err := s.Reschedule(ctx, "salon", other.ID, nineAm.Add(8*time.Hour), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if movedOther.Status != models.ReservationStatusScheduled {
		t.Fatalf("expected scheduled, got %s", movedOther.Status)
	}
}

func TestAvailability_ListsFreeSlots(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	ctx := context.Background()
	if _, err := s.Reserve(ctx, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm.Add(time.Hour), Duration: 90 * time.Minute}); err != nil {
		t.Fatal(err)
	}

	free, err := s.Availability(ctx, "salon", "mya", nineAm, nineAm.Add(4*time.Hour), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// 09:00-13:00 in 30m slots minus 10:00-11:30.
	want := []time.Time{nineAm, nineAm.Add(30 * time.Minute), nineAm.Add(150 * time.Minute), nineAm.Add(180 * time.Minute), nineAm.Add(210 * time.Minute)}
	if len(free) != len(want) {
		t.Fatalf("expected %d free slots, got %d: %v", len(want), len(free), free)
	}
	for i := range want {
		if !free[i].Start.Equal(want[i]) {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], free[i].Start)
		}
	}
}

func TestReserve_TenantScopeAndValidation(t *testing.T) {
	s := newTestScheduler(t, stylist("mya"))
	other := utils.SetTenantIdInContext(context.Background(), "barber")
	if _, err := s.Reserve(other, ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour}); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := s.Reserve(context.Background(), ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero duration, got %v", err)
	}
	if _, err := s.Reserve(context.Background(), ReserveRequest{TenantId: "barber", ResourceId: "mya", Start: nineAm, Duration: time.Hour}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("resources of another tenant should not be visible, got %v", err)
	}
}

// abortingStore makes every booking transaction fail with a serialization conflict.
type abortingStore struct {
	*memory.Store
	calls int32
}

func (a *abortingStore) RunBookingTx(ctx context.Context, tenantId string, fn func(tx store.BookingTx) error) error {
	atomic.AddInt32(&a.calls, 1)
	return fmt.Errorf("commit: %w", models.ErrSerializationConflict)
}

func TestReserve_SerializationFailuresSurfaceAsSlotConflict(t *testing.T) {
	st := &abortingStore{Store: memory.New()}
	s := NewScheduler(st, 3, quietLogger())

	_, err := s.Reserve(context.Background(), ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour})
	var sc *models.SlotConflictError
	if !errors.As(err, &sc) || sc.ResourceId != "mya" {
		t.Fatalf("expected SlotConflictError for mya, got %v", err)
	}
	if st.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", st.calls)
	}
}

// flakyBookingStore fails each RunBookingTx call with the next error in errs.
type flakyBookingStore struct {
	store.BookingStore
	errs  []error
	calls int32
}

func (f *flakyBookingStore) RunBookingTx(context.Context, string, func(tx store.BookingTx) error) error {
	n := atomic.AddInt32(&f.calls, 1)
	return f.errs[n-1]
}

func TestReserve_StoreUnavailableSurfacesWithoutRetry(t *testing.T) {
	req := ReserveRequest{TenantId: "salon", ResourceId: "mya", Start: nineAm, Duration: time.Hour}

	down := &flakyBookingStore{errs: []error{models.ErrStoreUnavailable}}
	_, err := NewScheduler(down, 3, quietLogger()).Reserve(context.Background(), req)
	if !errors.Is(err, models.ErrStoreUnavailable) || errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if down.calls != 1 {
		t.Fatalf("expected exactly one store call, got %d", down.calls)
	}

	// A serialization conflict is retried; the outage that follows is not.
	flaky := &flakyBookingStore{errs: []error{models.ErrSerializationConflict, models.ErrStoreUnavailable}}
	_, err = NewScheduler(flaky, 3, quietLogger()).Reserve(context.Background(), req)
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable after retry, got %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected two store calls, got %d", flaky.calls)
	}
}
