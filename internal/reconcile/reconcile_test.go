package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/feed"
	"github.com/pearcec/proppilot/internal/store/memory"
)

const property = "cabin"

// recorder collects every published event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	store      *memory.Store
	bus        *events.Bus
	rec        *recorder
	reconciler *Reconciler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := memory.New()
	bus := events.NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(events.All(), rec.handle)
	return &harness{store: store, bus: bus, rec: rec, reconciler: New(store, bus, nil, opts...)}
}

func (h *harness) poll(t *testing.T, at time.Time, intervals ...feed.Interval) Result {
	t.Helper()
	res, err := h.reconciler.Reconcile(context.Background(), property, intervals, at)
	require.NoError(t, err)
	return res
}

func (h *harness) booking(t *testing.T, uid string) booking.Booking {
	t.Helper()
	var b booking.Booking
	require.NoError(t, h.store.View(context.Background(), func(tx booking.Tx) error {
		var err error
		b, err = tx.BookingByUID(context.Background(), property, uid)
		return err
	}))
	return b
}

func (h *harness) all(t *testing.T) []booking.Booking {
	t.Helper()
	var list []booking.Booking
	require.NoError(t, h.store.View(context.Background(), func(tx booking.Tx) error {
		var err error
		list, err = tx.ListBookings(context.Background(), booking.Filter{})
		return err
	}))
	return list
}

func d(s string) time.Time {
	t, err := booking.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func iv(uid, in, out string) feed.Interval {
	return feed.Interval{UID: uid, Range: booking.DateRange{CheckIn: d(in), CheckOut: d(out)}, Summary: "Reserved", Status: booking.StatusConfirmed}
}

// poll times are well before the stays so the past-due rule stays out of the way.
var (
	t1 = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	t2 = t1.Add(15 * time.Minute)
	t3 = t2.Add(15 * time.Minute)
	t4 = t3.Add(15 * time.Minute)
)

func TestCreation(t *testing.T) {
	h := newHarness(t)
	res := h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, events.BookingCreated, ev.Kind)
	assert.Equal(t, "u1", ev.ExternalUID)
	assert.Equal(t, property, ev.PropertyID)
	assert.EqualValues(t, 1, ev.Seq)
	assert.True(t, ev.Range.Equal(booking.DateRange{CheckIn: d("2026-02-01"), CheckOut: d("2026-02-05")}))

	b := h.booking(t, "u1")
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, booking.SourceFeed, b.Source)
	assert.Equal(t, t1, b.LastSeenAt)
	assert.Equal(t, b.ID, ev.BookingID)
	assert.Equal(t, []events.Kind{events.BookingCreated}, h.rec.kinds())
}

func TestIdempotentRepoll(t *testing.T) {
	h := newHarness(t)
	snapshot := []feed.Interval{iv("u1", "2026-02-01", "2026-02-05"), iv("u2", "2026-02-10", "2026-02-12")}
	h.poll(t, t1, snapshot...)
	before := h.all(t)
	h.rec.reset()

	res := h.poll(t, t2, snapshot...)
	assert.Empty(t, res.Events)
	assert.Equal(t, 2, res.Unchanged)
	assert.Empty(t, h.rec.kinds())

	after := h.all(t)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.True(t, before[i].Range.Equal(after[i].Range))
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, t2, after[i].LastSeenAt)
	}
}

func TestDateChange(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))

	res := h.poll(t, t2, iv("u1", "2026-02-01", "2026-02-07"))
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, events.BookingDatesChanged, ev.Kind)
	assert.True(t, ev.OldRange.CheckOut.Equal(d("2026-02-05")))
	assert.True(t, ev.Range.CheckOut.Equal(d("2026-02-07")))

	b := h.booking(t, "u1")
	assert.True(t, b.Range.CheckOut.Equal(d("2026-02-07")))
	assert.Len(t, h.all(t), 1)
}

func TestGraceWindowCancellation(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))

	res := h.poll(t, t2)
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, res.Missing)
	b := h.booking(t, "u1")
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	require.NotNil(t, b.MissingSince)
	assert.Equal(t, t2, *b.MissingSince)
	assert.Equal(t, 1, b.MissingPolls)

	res = h.poll(t, t3)
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingCancelled, res.Events[0].Kind)
	assert.Equal(t, booking.StatusCancelled, h.booking(t, "u1").Status)

	// Already cancelled: nothing more to say.
	res = h.poll(t, t4)
	assert.Empty(t, res.Events)
}

func TestReappearanceClearsMarker(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))
	h.poll(t, t2)
	h.rec.reset()

	res := h.poll(t, t3, iv("u1", "2026-02-01", "2026-02-05"))
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, res.Reappeared)
	b := h.booking(t, "u1")
	assert.False(t, b.Missing())
	assert.Zero(t, b.MissingPolls)

	// The counter restarts: one more absence is not enough.
	res = h.poll(t, t4)
	assert.Empty(t, res.Events)
	assert.Empty(t, h.rec.kinds())
}

func TestConfigurableThreshold(t *testing.T) {
	h := newHarness(t, WithMissingThreshold(3))
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))
	assert.Empty(t, h.poll(t, t2).Events)
	assert.Empty(t, h.poll(t, t3).Events)
	res := h.poll(t, t4)
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingCancelled, res.Events[0].Kind)
}

func TestThresholdOneCancelsImmediately(t *testing.T) {
	h := newHarness(t, WithMissingThreshold(1))
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))
	res := h.poll(t, t2)
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingCancelled, res.Events[0].Kind)
}

func TestPastDueImmediateCancellation(t *testing.T) {
	h := newHarness(t)
	h.poll(t, time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC), iv("u1", "2026-02-01", "2026-02-05"))

	res := h.poll(t, time.Date(2026, 2, 6, 8, 0, 0, 0, time.UTC))
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingCancelled, res.Events[0].Kind)
	assert.Equal(t, booking.StatusCancelled, h.booking(t, "u1").Status)
}

func TestCheckoutTodayIsNotPastDue(t *testing.T) {
	h := newHarness(t)
	h.poll(t, time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC), iv("u1", "2026-02-01", "2026-02-05"))

	res := h.poll(t, time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC))
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, res.Missing)
}

func TestDuplicateFeedEntriesLastWins(t *testing.T) {
	h := newHarness(t)
	res := h.poll(t, t1,
		iv("u1", "2026-02-01", "2026-02-05"),
		iv("u1", "2026-02-01", "2026-02-08"),
	)
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingCreated, res.Events[0].Kind)

	list := h.all(t)
	require.Len(t, list, 1)
	assert.True(t, list[0].Range.CheckOut.Equal(d("2026-02-08")))
}

func TestOrderingWithinCycle(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1,
		iv("moved", "2026-02-01", "2026-02-05"),
		iv("gone", "2026-02-10", "2026-02-12"),
	)
	h.poll(t, t2, iv("moved", "2026-02-01", "2026-02-05"))
	h.rec.reset()

	res := h.poll(t, t3,
		iv("moved", "2026-02-02", "2026-02-05"),
		iv("fresh", "2026-03-01", "2026-03-04"),
	)
	require.Len(t, res.Events, 3)
	assert.Equal(t, []events.Kind{events.BookingCreated, events.BookingDatesChanged, events.BookingCancelled}, h.rec.kinds())
	assert.Equal(t, "fresh", res.Events[0].ExternalUID)
	assert.Equal(t, "moved", res.Events[1].ExternalUID)
	assert.Equal(t, "gone", res.Events[2].ExternalUID)
}

func TestSequenceStrictlyIncreasingAcrossCycles(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("a", "2026-02-01", "2026-02-03"), iv("b", "2026-02-05", "2026-02-07"))
	h.poll(t, t2, iv("a", "2026-02-01", "2026-02-04"), iv("b", "2026-02-05", "2026-02-07"))
	h.poll(t, t3, iv("a", "2026-02-01", "2026-02-04"))
	h.poll(t, t4, iv("a", "2026-02-01", "2026-02-04"), iv("c", "2026-03-01", "2026-03-02"))

	var seqs []int64
	for _, ev := range h.rec.events {
		seqs = append(seqs, ev.Seq)
	}
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		assert.EqualValues(t, i+1, seq, "sequence must have no gaps")
	}
}

func TestSequencesArePerProperty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reconciler.Reconcile(ctx, "cabin", []feed.Interval{iv("a", "2026-02-01", "2026-02-03")}, t1)
	require.NoError(t, err)
	res, err := h.reconciler.Reconcile(ctx, "loft", []feed.Interval{iv("a", "2026-02-01", "2026-02-03")}, t1)
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.EqualValues(t, 1, res.Events[0].Seq)
	assert.Equal(t, "loft", res.Events[0].PropertyID)
}

func TestDatesChangedWinsOverMissing(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))
	h.poll(t, t2)
	h.rec.reset()

	res := h.poll(t, t3, iv("u1", "2026-02-02", "2026-02-06"))
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingDatesChanged, res.Events[0].Kind)
	b := h.booking(t, "u1")
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.False(t, b.Missing())
}

func TestConflictSkipsIntervalOnly(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))

	res := h.poll(t, t2,
		iv("u1", "2026-02-05", "2026-02-05"),
		iv("bad", "2026-03-05", "2026-03-01"),
		iv("ok", "2026-04-01", "2026-04-03"),
	)
	require.Len(t, res.Conflicts, 2)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "ok", res.Events[0].ExternalUID)

	b := h.booking(t, "u1")
	assert.True(t, b.Range.CheckOut.Equal(d("2026-02-05")), "conflicting interval must not change dates")
	assert.False(t, b.Missing(), "conflicting interval still counts as seen")
	assert.Equal(t, t2, b.LastSeenAt)

	var pe *ConflictError
	assert.True(t, errors.As(res.Conflicts[0], &pe))
}

func TestCancelledBookingReappearsAsCreated(t *testing.T) {
	h := newHarness(t, WithMissingThreshold(1))
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))
	first := h.booking(t, "u1")
	h.poll(t, t2)
	require.Equal(t, booking.StatusCancelled, h.booking(t, "u1").Status)
	h.rec.reset()

	res := h.poll(t, t3, iv("u1", "2026-02-01", "2026-02-06"))
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.BookingCreated, res.Events[0].Kind)

	again := h.booking(t, "u1")
	assert.Equal(t, first.ID, again.ID, "identity stays unique")
	assert.Equal(t, booking.StatusConfirmed, again.Status)
	assert.Len(t, h.all(t), 1)
}

func TestTentativeStatusKept(t *testing.T) {
	h := newHarness(t)
	in := iv("u1", "2026-02-01", "2026-02-05")
	in.Status = booking.StatusTentative
	h.poll(t, t1, in)
	assert.Equal(t, booking.StatusTentative, h.booking(t, "u1").Status)

	in.Status = booking.StatusConfirmed
	res := h.poll(t, t2, in)
	assert.Empty(t, res.Events)
	assert.Equal(t, booking.StatusConfirmed, h.booking(t, "u1").Status)
}

func TestTransactionalAtomicity(t *testing.T) {
	h := newHarness(t)
	h.poll(t, t1, iv("u1", "2026-02-01", "2026-02-05"))
	before := h.all(t)
	h.rec.reset()

	h.store.FailOn("NextSequence", errors.New("connection reset"))
	res, err := h.reconciler.Reconcile(context.Background(), property, []feed.Interval{
		iv("u1", "2026-02-01", "2026-02-09"),
		iv("u2", "2026-03-01", "2026-03-03"),
	}, t2)
	require.Error(t, err)
	assert.True(t, booking.IsPersistence(err))
	assert.Empty(t, res.Events)
	assert.Empty(t, h.rec.kinds(), "no events may be published when persistence fails")

	after := h.all(t)
	require.Len(t, after, len(before))
	assert.True(t, after[0].Range.Equal(before[0].Range))
	assert.Equal(t, before[0].LastSeenAt, after[0].LastSeenAt)

	// The failed cycle did not consume a sequence number.
	h.store.FailOn("NextSequence", nil)
	res = h.poll(t, t3, iv("u1", "2026-02-01", "2026-02-09"))
	require.Len(t, res.Events, 1)
	assert.EqualValues(t, 2, res.Events[0].Seq)
}

func TestCommitFailurePublishesNothing(t *testing.T) {
	h := newHarness(t)
	h.store.FailOn("commit", errors.New("serialization failure"))

	_, err := h.reconciler.Reconcile(context.Background(), property, []feed.Interval{iv("u1", "2026-02-01", "2026-02-05")}, t1)
	require.Error(t, err)
	assert.Empty(t, h.rec.kinds())
	assert.Empty(t, h.all(t))
}

func TestSubscriberIsolationDuringCycle(t *testing.T) {
	store := memory.New()
	bus := events.NewBus(nil)
	bus.Subscribe(events.All(), func(context.Context, events.Event) error {
		return errors.New("smtp down")
	})
	rec := &recorder{}
	bus.Subscribe(events.All(), rec.handle)
	r := New(store, bus, nil)

	res, err := r.Reconcile(context.Background(), property, []feed.Interval{
		iv("a", "2026-02-01", "2026-02-03"),
		iv("b", "2026-02-05", "2026-02-07"),
	}, t1)
	require.NoError(t, err)
	assert.Len(t, rec.events, 2)
	require.Len(t, res.Delivery, 2)
	for _, d := range res.Delivery {
		assert.Len(t, d.Errors, 1)
		assert.Equal(t, 1, d.Delivered)
	}
}

func TestConcurrentCyclesSameProperty(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reconciler.Reconcile(context.Background(), property, []feed.Interval{iv("u1", "2026-02-01", "2026-02-05")}, t1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []events.Kind{events.BookingCreated}, h.rec.kinds())
	assert.Len(t, h.all(t), 1)
}

func TestEmptyFeedOnEmptyStore(t *testing.T) {
	h := newHarness(t)
	res := h.poll(t, t1)
	assert.Empty(t, res.Events)
	assert.Empty(t, h.all(t))
}
