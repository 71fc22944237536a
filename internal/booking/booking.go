// Package booking holds the PropPilot domain model: bookings observed in a
// property's calendar feed, the records downstream modules derive from them,
// and the transactional store contract they are persisted through.
package booking

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusTentative Status = "tentative"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status still occupies the calendar.
func (s Status) Active() bool {
	return s == StatusTentative || s == StatusConfirmed
}

// DateLayout is the calendar date format used in logs, config and the API.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// DateRange is a half-open stay: guests arrive on CheckIn and leave on CheckOut.
// Both ends are calendar dates at midnight UTC.
type DateRange struct {
	CheckIn  time.Time `json:"check_in"`
	CheckOut time.Time `json:"check_out"`
}

// NewDateRange builds a range from two instants, keeping only their dates.
func NewDateRange(checkIn, checkOut time.Time) DateRange {
	return DateRange{CheckIn: Day(checkIn), CheckOut: Day(checkOut)}
}

// Valid reports whether check-in is strictly before check-out.
func (r DateRange) Valid() bool {
	return r.CheckIn.Before(r.CheckOut)
}

// Equal compares by calendar date.
func (r DateRange) Equal(o DateRange) bool {
	return r.CheckIn.Equal(o.CheckIn) && r.CheckOut.Equal(o.CheckOut)
}

// IsZero reports whether neither end is set.
func (r DateRange) IsZero() bool {
	return r.CheckIn.IsZero() && r.CheckOut.IsZero()
}

// Nights is the number of nights in the stay.
func (r DateRange) Nights() int {
	return int(r.CheckOut.Sub(r.CheckIn).Hours() / 24)
}

func (r DateRange) String() string {
	return r.CheckIn.Format(DateLayout) + ".." + r.CheckOut.Format(DateLayout)
}

// Source records where a booking or payout was first learned from.
type Source string

const (
	SourceFeed   Source = "ical"
	SourceEmail  Source = "email"
	SourceManual Source = "manual"
)

// Booking is one reservation of a property, keyed by (PropertyID, ExternalUID).
// It is never deleted; disappearing from the feed eventually cancels it.
type Booking struct {
	ID          int64     `json:"id"`
	PropertyID  string    `json:"property_id"`
	ExternalUID string    `json:"external_uid"`
	Range       DateRange `json:"range"`
	Status      Status    `json:"status"`
	Summary     string    `json:"summary,omitempty"`
	Source      Source    `json:"source"`

	GuestName        string `json:"guest_name,omitempty"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
	PayoutCents      *int64 `json:"payout_cents,omitempty"`

	LastSeenAt time.Time `json:"last_seen_at"`

	// MissingSince is the first consecutive poll the booking was absent from.
	MissingSince *time.Time `json:"missing_since,omitempty"`
	MissingPolls int        `json:"missing_polls"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the booking has not been cancelled.
func (b Booking) Active() bool {
	return b.Status.Active()
}

// Missing reports whether the booking is inside its grace window.
func (b Booking) Missing() bool {
	return b.MissingSince != nil
}

// ClearMissing resets the grace-window markers.
func (b *Booking) ClearMissing() {
	b.MissingSince = nil
	b.MissingPolls = 0
}

// MarkMissing records one more consecutive poll without the booking.
func (b *Booking) MarkMissing(at time.Time) {
	if b.MissingSince == nil {
		since := at
		b.MissingSince = &since
	}
	b.MissingPolls++
}

// Filter narrows booking listings. Zero fields match everything.
type Filter struct {
	PropertyID string
	Statuses   []Status
	// CheckOutFrom keeps bookings checking out on or after the date.
	CheckOutFrom time.Time
}

// Match reports whether b passes the filter.
func (f Filter) Match(b Booking) bool {
	if f.PropertyID != "" && b.PropertyID != f.PropertyID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if b.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CheckOutFrom.IsZero() && b.Range.CheckOut.Before(Day(f.CheckOutFrom)) {
		return false
	}
	return true
}

// ActiveStatuses lists the statuses that still occupy the calendar.
func ActiveStatuses() []Status {
	return []Status{StatusTentative, StatusConfirmed}
}
