// Package events provides the in-process bus that carries booking changes
// from the reconciler to downstream modules.
//
// Delivery is synchronous and in registration order. A subscriber that fails
// is logged and skipped; the rest still receive the event.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/pearcec/proppilot/internal/booking"
)

// Kind identifies a change detected in a feed.
type Kind string

const (
	// BookingCreated is emitted when a UID is seen for the first time, or
	// returns after being cancelled.
	BookingCreated Kind = "booking.created"
	// BookingDatesChanged is emitted when a known UID's dates move.
	BookingDatesChanged Kind = "booking.dates_changed"
	// BookingCancelled is emitted once a booking has been missing from the
	// feed past its grace window.
	BookingCancelled Kind = "booking.cancelled"
	// BookingUnchanged classifies a booking that needed no action. It is
	// never published.
	BookingUnchanged Kind = "booking.unchanged"
)

// Kinds lists the kinds that are published.
func Kinds() []Kind {
	return []Kind{BookingCreated, BookingDatesChanged, BookingCancelled}
}

// Event is one booking change. It is passed by value; handlers get a copy.
type Event struct {
	ID          string
	Kind        Kind
	Seq         int64 // per-property, strictly increasing, gap-free
	PropertyID  string
	BookingID   int64
	ExternalUID string
	Range       booking.DateRange
	OldRange    booking.DateRange // set for BookingDatesChanged
	OccurredAt  time.Time         // reconciliation cycle timestamp
}

// NewEvent stamps a fresh event ID on a change.
func NewEvent(kind Kind, seq int64, b booking.Booking, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Seq:         seq,
		PropertyID:  b.PropertyID,
		BookingID:   b.ID,
		ExternalUID: b.ExternalUID,
		Range:       b.Range,
		OccurredAt:  at,
	}
}

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	Kinds      []Kind
	PropertyID string
}

// On returns a filter matching the given kinds.
func On(kinds ...Kind) Filter {
	return Filter{Kinds: kinds}
}

// All matches every published event.
func All() Filter {
	return Filter{}
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.PropertyID != "" && f.PropertyID != ev.PropertyID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}
