package events

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/logging"
)

func testEvent(kind Kind, seq int64) Event {
	return Event{
		ID:          "evt",
		Kind:        kind,
		Seq:         seq,
		PropertyID:  "cabin",
		ExternalUID: "airbnb-abc123@airbnb.com",
		OccurredAt:  time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var received []Event
	bus.Subscribe(All(), func(_ context.Context, ev Event) error {
		received = append(received, ev)
		return nil
	})

	res := bus.Publish(context.Background(), testEvent(BookingCreated, 1))

	require.Len(t, received, 1)
	assert.Equal(t, BookingCreated, received[0].Kind)
	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, res.Errors)
}

func TestBusRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		bus.Subscribe(All(), func(context.Context, Event) error {
			order = append(order, name)
			return nil
		})
	}

	bus.Publish(context.Background(), testEvent(BookingCreated, 1))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusFilterByKind(t *testing.T) {
	bus := NewBus(nil)
	var created, cancelled int
	bus.Subscribe(On(BookingCreated), func(context.Context, Event) error {
		created++
		return nil
	})
	bus.Subscribe(On(BookingCancelled), func(context.Context, Event) error {
		cancelled++
		return nil
	})

	ctx := context.Background()
	bus.Publish(ctx, testEvent(BookingCreated, 1))
	bus.Publish(ctx, testEvent(BookingDatesChanged, 2))

	assert.Equal(t, 1, created)
	assert.Zero(t, cancelled)
}

func TestBusFilterByProperty(t *testing.T) {
	bus := NewBus(nil)
	var got int
	bus.Subscribe(Filter{PropertyID: "loft"}, func(context.Context, Event) error {
		got++
		return nil
	})
	bus.Publish(context.Background(), testEvent(BookingCreated, 1))
	assert.Zero(t, got)
}

func TestSubscriberIsolation(t *testing.T) {
	var hooked []*SubscriberError
	bus := NewBus(nil, WithErrorHook(func(e *SubscriberError) { hooked = append(hooked, e) }))

	var after []Event
	bus.Subscribe(All(), func(context.Context, Event) error {
		return errors.New("template missing")
	}, WithName("comms"))
	bus.Subscribe(All(), func(context.Context, Event) error {
		panic("nil map")
	}, WithName("broken"))
	bus.Subscribe(All(), func(_ context.Context, ev Event) error {
		after = append(after, ev)
		return nil
	}, WithName("operations"))

	res := bus.Publish(context.Background(), testEvent(BookingCreated, 1))

	require.Len(t, after, 1)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "comms", res.Errors[0].Subscriber)
	assert.Equal(t, "broken", res.Errors[1].Subscriber)
	assert.Contains(t, res.Errors[1].Error(), "panic")
	assert.Len(t, hooked, 2)
}

func TestSubscriberFailureLogsCycle(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.New(logging.Config{Format: "json", Output: &buf}))
	defer bus.Close()

	bus.Subscribe(All(), func(context.Context, Event) error {
		return errors.New("boom")
	}, WithName("flaky"))
	bus.Publish(context.Background(), testEvent(BookingCreated, 1))

	out := buf.String()
	assert.Contains(t, out, `"msg":"subscriber failed"`)
	assert.Contains(t, out, `"subscriber":"flaky"`)
	assert.Contains(t, out, `"cycle":"2026-02-01T08:00:00Z"`)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var calls int
	token := bus.Subscribe(All(), func(context.Context, Event) error {
		calls++
		return nil
	})
	require.Equal(t, 1, bus.Len())

	assert.True(t, bus.Unsubscribe(token))
	assert.False(t, bus.Unsubscribe(token))

	bus.Publish(context.Background(), testEvent(BookingCreated, 1))
	assert.Zero(t, calls)
	assert.Zero(t, bus.Len())
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil)
	var calls int
	bus.Subscribe(All(), func(context.Context, Event) error {
		calls++
		return nil
	})
	bus.Close()

	res := bus.Publish(context.Background(), testEvent(BookingCreated, 1))
	assert.Zero(t, calls)
	assert.Zero(t, res.Delivered)
}

func TestHandlerReceivesCopy(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(All(), func(_ context.Context, ev Event) error {
		ev.PropertyID = "mutated"
		return nil
	})
	var seen string
	bus.Subscribe(All(), func(_ context.Context, ev Event) error {
		seen = ev.PropertyID
		return nil
	})
	bus.Publish(context.Background(), testEvent(BookingCreated, 1))
	assert.Equal(t, "cabin", seen)
}

func TestSequencedDropsReplays(t *testing.T) {
	var seqs []int64
	h := Sequenced(func(_ context.Context, ev Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	}, nil)

	ctx := context.Background()
	for _, seq := range []int64{1, 2, 2, 1, 4} {
		require.NoError(t, h(ctx, testEvent(BookingCreated, seq)))
	}
	assert.Equal(t, []int64{1, 2, 4}, seqs)
}

func TestNewEventStampsID(t *testing.T) {
	b := booking.Booking{ID: 42, PropertyID: "cabin", ExternalUID: "a@x"}
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	e1 := NewEvent(BookingCreated, 1, b, at)
	e2 := NewEvent(BookingCreated, 2, b, at)
	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, int64(42), e1.BookingID)
	assert.Equal(t, "cabin", e1.PropertyID)
	assert.Equal(t, at, e1.OccurredAt)
}
