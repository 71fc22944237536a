package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/feed"
	"github.com/pearcec/proppilot/internal/metrics"
	"github.com/pearcec/proppilot/internal/reconcile"
	"github.com/pearcec/proppilot/internal/store/memory"
)

const calendar = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:test\r\n" +
	"BEGIN:VEVENT\r\nUID:airbnb-abc123@airbnb.com\r\nDTSTART;VALUE=DATE:20260201\r\nDTEND;VALUE=DATE:20260205\r\nSUMMARY:Reserved\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var fixedNow = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	bus    *events.Bus
	syncer *Syncer
	got    atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), bus: events.NewBus(nil)}
	f.bus.Subscribe(events.All(), func(context.Context, events.Event) error {
		f.got.Add(1)
		return nil
	})
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	r := reconcile.New(f.store, f.bus, nil)
	f.syncer = New(f.store, feed.NewFetcher(nil, feed.WithTimeout(2*time.Second)), r, nil,
		WithClock(func() time.Time { return fixedNow }),
		WithMetrics(m))
	return f
}

func (f *fixture) status(t *testing.T, id string) booking.PollStatus {
	t.Helper()
	var st booking.PollStatus
	require.NoError(t, f.store.View(context.Background(), func(tx booking.Tx) error {
		var err error
		st, err = tx.GetPollStatus(context.Background(), id)
		return err
	}))
	return st
}

func (f *fixture) bookings(t *testing.T) []booking.Booking {
	t.Helper()
	var list []booking.Booking
	require.NoError(t, f.store.View(context.Background(), func(tx booking.Tx) error {
		var err error
		list, err = tx.ListBookings(context.Background(), booking.Filter{})
		return err
	}))
	return list
}

func feedServer(body string, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
}

func TestSyncPropertySuccess(t *testing.T) {
	f := newFixture(t)
	srv := feedServer(calendar, http.StatusOK)
	defer srv.Close()

	res, err := f.syncer.SyncProperty(context.Background(), booking.Property{ID: "cabin", FeedURL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.EqualValues(t, 1, f.got.Load())

	st := f.status(t, "cabin")
	require.NotNil(t, st.LastSuccessAt)
	assert.Equal(t, fixedNow, *st.LastSuccessAt)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.LastEventCount)
	assert.EqualValues(t, 1, st.LastSeq)
}

func TestFetchFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	good := feedServer(calendar, http.StatusOK)
	defer good.Close()
	bad := feedServer("", http.StatusBadGateway)
	defer bad.Close()

	p := booking.Property{ID: "cabin", FeedURL: good.URL}
	_, err := f.syncer.SyncProperty(context.Background(), p)
	require.NoError(t, err)
	before := f.bookings(t)

	p.FeedURL = bad.URL
	for i := 0; i < 3; i++ {
		_, err = f.syncer.SyncProperty(context.Background(), p)
		require.Error(t, err)
		assert.True(t, feed.IsFetchError(err))
	}

	after := f.bookings(t)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].LastSeenAt, after[0].LastSeenAt)
	assert.False(t, after[0].Missing(), "failed fetches must not count as missing polls")
	assert.EqualValues(t, 1, f.got.Load())

	st := f.status(t, "cabin")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "502")
	require.NotNil(t, st.LastSuccessAt)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	good := feedServer(calendar, http.StatusOK)
	defer good.Close()

	props := []booking.Property{
		{ID: "cabin", FeedURL: good.URL},
		{ID: "loft", FeedURL: "http://127.0.0.1:1/unreachable.ics"},
		{ID: "villa", FeedURL: good.URL},
	}
	outcomes := f.syncer.SyncAll(context.Background(), props)
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
	assert.Equal(t, "loft", outcomes[1].PropertyID)

	err := Failed(outcomes)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "loft:"))
	assert.EqualValues(t, 2, f.got.Load())
}

func TestFailedNilWhenAllSucceed(t *testing.T) {
	assert.NoError(t, Failed([]Outcome{{PropertyID: "cabin"}}))
}

type panickyFetcher struct {
	next    FeedFetcher
	panicOn string
}

func (p panickyFetcher) Fetch(ctx context.Context, propertyID, url string) ([]feed.Interval, error) {
	if propertyID == p.panicOn {
		panic("nil calendar event")
	}
	return p.next.Fetch(ctx, propertyID, url)
}

func TestSyncAllRecoversPanic(t *testing.T) {
	f := newFixture(t)
	good := feedServer(calendar, http.StatusOK)
	defer good.Close()

	r := reconcile.New(f.store, f.bus, nil)
	s := New(f.store, panickyFetcher{next: feed.NewFetcher(nil), panicOn: "loft"}, r, nil,
		WithClock(func() time.Time { return fixedNow }))

	outcomes := s.SyncAll(context.Background(), []booking.Property{
		{ID: "cabin", FeedURL: good.URL},
		{ID: "loft", FeedURL: good.URL},
	})
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	require.Error(t, outcomes[1].Err)
	assert.Contains(t, outcomes[1].Err.Error(), "panicked")
	assert.Equal(t, fixedNow, outcomes[1].Result.CycleAt)

	st := f.status(t, "loft")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "panicked")
	assert.Nil(t, st.LastSuccessAt)
	assert.EqualValues(t, 1, f.got.Load())
}
