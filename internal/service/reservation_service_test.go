package service

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/lock"
	"rental-service/internal/models"
	"rental-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

func dayPtr(d int) *time.Time {
	t := day(d)
	return &t
}

type recordingPublisher struct {
	mu           sync.Mutex
	reservations []*models.ReservationEvent
	payments     []*models.PaymentEvent
}

func (p *recordingPublisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservations = append(p.reservations, event)
	return nil
}

func (p *recordingPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, event)
	return nil
}

func (p *recordingPublisher) reservationTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.reservations))
	for _, e := range p.reservations {
		out = append(out, e.EventType)
	}
	return out
}

func (p *recordingPublisher) paymentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.payments))
	for _, e := range p.payments {
		out = append(out, e.EventType)
	}
	return out
}

type testEnv struct {
	store        *store.Memory
	locker       *lock.KeyedMutex
	events       *recordingPublisher
	reservations *ReservationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	require.NoError(t, mem.UpsertVehicle(context.Background(), &models.Vehicle{
		ID: "v1", Make: "Toyota", Model: "Corolla", Year: 2022,
		LicensePlate: "B 1234 XY", DailyRate: 5000, IsAvailable: true,
	}))
	require.NoError(t, mem.UpsertVehicle(context.Background(), &models.Vehicle{
		ID: "v2", Make: "Honda", Model: "Jazz", Year: 2019,
		LicensePlate: "B 9876 ZZ", DailyRate: 3500, IsAvailable: false,
	}))

	env := &testEnv{
		store:  mem,
		locker: lock.NewKeyedMutex(),
		events: &recordingPublisher{},
	}
	catalog := NewVehicleCatalog(mem, nil, time.Minute)
	env.reservations = NewReservationService(catalog, mem, env.locker, env.events)
	env.reservations.SetClock(func() time.Time { return testNow })
	env.reservations.SetLockTimeout(time.Second)
	return env
}

func (e *testEnv) book(t *testing.T, vehicleID string, from, to int) *models.Reservation {
	t.Helper()
	r, err := e.reservations.Create(context.Background(), &CreateReservationRequest{
		VehicleID:  vehicleID,
		CustomerID: "c1",
		PickupAt:   day(from),
		ReturnAt:   day(to),
	})
	require.NoError(t, err)
	return r
}

func TestCreateReservation(t *testing.T) {
	env := newTestEnv(t)

	r := env.book(t, "v1", 1, 4)

	assert.Equal(t, models.ReservationPending, r.Status)
	assert.Equal(t, 3, r.TotalDays)
	assert.Equal(t, int64(5000), r.DailyRate)
	assert.Equal(t, int64(15000), r.TotalAmount)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, []string{models.EventTypeReservationCreated}, env.events.reservationTypes())

	stored, err := env.reservations.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.TotalAmount, stored.TotalAmount)
}

func TestCreateReservationOverlap(t *testing.T) {
	env := newTestEnv(t)
	env.book(t, "v1", 1, 4)

	_, err := env.reservations.Create(context.Background(), &CreateReservationRequest{
		VehicleID: "v1", CustomerID: "c2", PickupAt: day(3), ReturnAt: day(5),
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// back-to-back rentals share the boundary instant
	r := env.book(t, "v1", 4, 6)
	assert.Equal(t, int64(10000), r.TotalAmount)
}

func TestCreateReservationCancelledDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	first := env.book(t, "v1", 1, 4)

	_, err := env.reservations.Cancel(context.Background(), first.ID, "changed plans")
	require.NoError(t, err)

	second := env.book(t, "v1", 2, 3)
	assert.Equal(t, models.ReservationPending, second.Status)
}

func TestCreateReservationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateReservationRequest
		kind apperr.Kind
	}{
		{
			name: "return before pickup",
			req:  CreateReservationRequest{VehicleID: "v1", CustomerID: "c1", PickupAt: day(5), ReturnAt: day(4)},
			kind: apperr.KindInvalidRange,
		},
		{
			name: "zero length",
			req:  CreateReservationRequest{VehicleID: "v1", CustomerID: "c1", PickupAt: day(5), ReturnAt: day(5)},
			kind: apperr.KindInvalidRange,
		},
		{
			name: "pickup in the past",
			req: CreateReservationRequest{VehicleID: "v1", CustomerID: "c1",
				PickupAt: time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC), ReturnAt: day(2)},
			kind: apperr.KindInvalidRange,
		},
		{
			name: "unknown vehicle",
			req:  CreateReservationRequest{VehicleID: "nope", CustomerID: "c1", PickupAt: day(2), ReturnAt: day(3)},
			kind: apperr.KindNotFound,
		},
		{
			name: "vehicle out of service",
			req:  CreateReservationRequest{VehicleID: "v2", CustomerID: "c1", PickupAt: day(2), ReturnAt: day(3)},
			kind: apperr.KindUnavailable,
		},
		{
			name: "missing customer",
			req:  CreateReservationRequest{VehicleID: "v1", PickupAt: day(2), ReturnAt: day(3)},
			kind: apperr.KindInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := env.reservations.Create(ctx, &req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestCreateReservationEarlierToday(t *testing.T) {
	env := newTestEnv(t)

	// pickup earlier on the current day is still accepted
	r, err := env.reservations.Create(context.Background(), &CreateReservationRequest{
		VehicleID: "v1", CustomerID: "c1",
		PickupAt: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		ReturnAt: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalDays)
}

func TestCreateReservationIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := &CreateReservationRequest{
		VehicleID: "v1", CustomerID: "c1", PickupAt: day(1), ReturnAt: day(4), IdempotencyKey: "key-1",
	}
	first, err := env.reservations.Create(ctx, req)
	require.NoError(t, err)

	again, err := env.reservations.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = env.reservations.Create(ctx, &CreateReservationRequest{
		VehicleID: "v1", CustomerID: "c1", PickupAt: day(10), ReturnAt: day(12), IdempotencyKey: "key-1",
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	all, err := env.reservations.ListByVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentCreateOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reservations.Create(context.Background(), &CreateReservationRequest{
				VehicleID: "v1", CustomerID: "c1", PickupAt: day(10), ReturnAt: day(13),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if apperr.Is(err, apperr.KindConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, conflicts)
}

func TestRescheduleReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)
	env.book(t, "v1", 10, 12)

	notes := "late flight"
	moved, err := env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{
		PickupAt: dayPtr(5), ReturnAt: dayPtr(7), Notes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, moved.TotalDays)
	assert.Equal(t, int64(10000), moved.TotalAmount)
	assert.Equal(t, "late flight", moved.Notes)
	assert.Equal(t, int64(2), moved.Version)

	// may overlap its own old dates but not a neighbour
	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(6), ReturnAt: dayPtr(11)})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(6), ReturnAt: dayPtr(8)})
	assert.NoError(t, err)
}

func TestRescheduleKeepsFrozenRate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	require.NoError(t, env.store.UpsertVehicle(ctx, &models.Vehicle{ID: "v1", DailyRate: 9000, IsAvailable: true}))

	moved, err := env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(2), ReturnAt: dayPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), moved.TotalAmount)
}

func TestRescheduleConfirmedReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	_, err := env.reservations.MarkConfirmed(ctx, r.ID)
	require.NoError(t, err)

	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(5), ReturnAt: dayPtr(9)})
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	moved, err := env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(5), ReturnAt: dayPtr(8)})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, moved.Status)
	assert.Equal(t, int64(15000), moved.TotalAmount)
}

func TestReschedulePartial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	airport := "Airport"
	moved, err := env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupLocation: &airport})
	require.NoError(t, err)
	assert.True(t, day(1).Equal(moved.PickupAt))
	assert.True(t, day(4).Equal(moved.ReturnAt))
	assert.Equal(t, "Airport", moved.PickupLocation)
	assert.Equal(t, int64(15000), moved.TotalAmount)

	moved, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{ReturnAt: dayPtr(6)})
	require.NoError(t, err)
	assert.True(t, day(1).Equal(moved.PickupAt))
	assert.Equal(t, 5, moved.TotalDays)
	assert.Equal(t, int64(25000), moved.TotalAmount)
	assert.Equal(t, "Airport", moved.PickupLocation)

	moved, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(3)})
	require.NoError(t, err)
	assert.True(t, day(6).Equal(moved.ReturnAt))
	assert.Equal(t, 3, moved.TotalDays)

	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(7)})
	assert.Equal(t, apperr.KindInvalidRange, apperr.KindOf(err))

	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestRescheduleReturnAfterPickupHasPassed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	env.reservations.SetClock(func() time.Time { return day(3).Add(10 * time.Hour) })

	moved, err := env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{ReturnAt: dayPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 4, moved.TotalDays)

	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(2)})
	assert.Equal(t, apperr.KindInvalidRange, apperr.KindOf(err))
}

// assertLiveDisjoint fails if two non-cancelled reservations on vehicleID overlap.
func assertLiveDisjoint(t *testing.T, env *testEnv, vehicleID string, step int) {
	t.Helper()
	all, err := env.reservations.ListByVehicle(context.Background(), vehicleID)
	require.NoError(t, err)

	var live []models.Reservation
	for _, r := range all {
		if r.Status.Blocks() {
			live = append(live, r)
		}
	}
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := live[i], live[j]
			if a.PickupAt.Before(b.ReturnAt) && b.PickupAt.Before(a.ReturnAt) {
				t.Fatalf("step %d: %s [%s, %s) overlaps %s [%s, %s)", step,
					a.ID, a.PickupAt.Format(time.RFC3339), a.ReturnAt.Format(time.RFC3339),
					b.ID, b.PickupAt.Format(time.RFC3339), b.ReturnAt.Format(time.RFC3339))
			}
		}
	}
}

func TestRandomOperationsKeepLiveReservationsDisjoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	// 12h offsets make partial-day ranges and shared boundaries common
	at := func() time.Time {
		return day(1).Add(time.Duration(rng.Intn(56)) * 12 * time.Hour)
	}

	var ids []string
	for step := 0; step < 300; step++ {
		var err error
		switch op := rng.Intn(10); {
		case op < 5 || len(ids) == 0:
			from := at()
			to := from.Add(time.Duration(1+rng.Intn(8)) * 12 * time.Hour)
			var r *models.Reservation
			r, err = env.reservations.Create(ctx, &CreateReservationRequest{
				VehicleID: "v1", CustomerID: "c1", PickupAt: from, ReturnAt: to,
			})
			if err == nil {
				ids = append(ids, r.ID)
			}
		case op < 8:
			req := &RescheduleRequest{}
			if rng.Intn(3) > 0 {
				p := at()
				req.PickupAt = &p
			}
			if req.PickupAt == nil || rng.Intn(3) > 0 {
				r := at().Add(12 * time.Hour)
				req.ReturnAt = &r
			}
			_, err = env.reservations.Reschedule(ctx, ids[rng.Intn(len(ids))], req)
		default:
			_, err = env.reservations.Cancel(ctx, ids[rng.Intn(len(ids))], "")
		}

		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindConflict, apperr.KindInvalidRange, apperr.KindInvalidState:
			default:
				t.Fatalf("step %d: unexpected error %v", step, err)
			}
		}
		assertLiveDisjoint(t, env, "v1", step)
	}
}

func TestReservationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	_, err := env.reservations.MarkActive(ctx, r.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	_, err = env.reservations.MarkConfirmed(ctx, r.ID)
	require.NoError(t, err)
	_, err = env.reservations.MarkActive(ctx, r.ID)
	require.NoError(t, err)

	_, err = env.reservations.Cancel(ctx, r.ID, "")
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	done, err := env.reservations.MarkCompleted(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCompleted, done.Status)

	_, err = env.reservations.Reschedule(ctx, r.ID, &RescheduleRequest{PickupAt: dayPtr(5), ReturnAt: dayPtr(6)})
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	assert.Equal(t, []string{
		models.EventTypeReservationCreated,
		models.EventTypeReservationConfirmed,
		models.EventTypeReservationActivated,
		models.EventTypeReservationCompleted,
	}, env.events.reservationTypes())
}

func TestCancelTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	_, err := env.reservations.Cancel(ctx, r.ID, "no longer needed")
	require.NoError(t, err)

	_, err = env.reservations.Cancel(ctx, r.ID, "")
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	_, err = env.reservations.Cancel(ctx, "missing", "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSettle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	_, err := env.reservations.Settle(ctx, r.ID, 12345, nil)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	called := false
	settled, err := env.reservations.Settle(ctx, r.ID, 15000, func(ctx context.Context, _ *models.Reservation) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, models.ReservationConfirmed, settled.Status)

	// settling again is harmless
	settled, err = env.reservations.Settle(ctx, r.ID, 15000, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, settled.Status)
}

func TestSettleCancelledReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	_, err := env.reservations.Cancel(ctx, r.ID, "")
	require.NoError(t, err)

	called := false
	_, err = env.reservations.Settle(ctx, r.ID, 15000, func(ctx context.Context, _ *models.Reservation) error {
		called = true
		return nil
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.False(t, called)
}

func TestSettleCallbackFailureLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.book(t, "v1", 1, 4)

	_, err := env.reservations.Settle(ctx, r.ID, 15000, func(ctx context.Context, _ *models.Reservation) error {
		return apperr.New(apperr.KindProviderRejected, "declined")
	})
	assert.Equal(t, apperr.KindProviderRejected, apperr.KindOf(err))

	stored, err := env.reservations.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationPending, stored.Status)
}

func TestLockTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.reservations.SetLockTimeout(20 * time.Millisecond)
	r := env.book(t, "v1", 1, 4)

	unlock, err := env.locker.Lock(context.Background(), lock.ReservationKey(r.ID))
	require.NoError(t, err)
	defer unlock()

	_, err = env.reservations.Cancel(context.Background(), r.ID, "")
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.True(t, apperr.IsRetryable(err))
}

func TestListByCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.book(t, "v1", 1, 4)
	env.book(t, "v1", 5, 6)

	out, err := env.reservations.ListByCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = env.reservations.ListByCustomer(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, out)
}
