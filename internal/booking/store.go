package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFired is returned by MarkFired when the trigger fired before.
	ErrAlreadyFired = errors.New("trigger already fired")
	// ErrDuplicate is returned when an insert collides with a unique key.
	ErrDuplicate = errors.New("duplicate")
)

// PersistenceError wraps a failed store transaction. Nothing the transaction
// wrote is visible after it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Store is the transactional record of bookings and their derived records.
// Update runs fn in a read-write transaction that commits only when fn returns
// nil; View runs fn in a read-only one.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// PayoutFilter narrows payout listings.
type PayoutFilter struct {
	PropertyID string
	BookingID  int64
	Unlinked   bool
}

// Match reports whether p passes the filter.
func (f PayoutFilter) Match(p Payout) bool {
	if f.PropertyID != "" && p.PropertyID != f.PropertyID {
		return false
	}
	if f.BookingID != 0 && (p.BookingID == nil || *p.BookingID != f.BookingID) {
		return false
	}
	if f.Unlinked && p.Linked() {
		return false
	}
	return true
}

// Tx is the set of reads and writes available inside a transaction.
type Tx interface {
	// ListBookings returns matching bookings ordered by check-in then ID.
	ListBookings(ctx context.Context, f Filter) ([]Booking, error)
	GetBooking(ctx context.Context, id int64) (Booking, error)
	// BookingByUID finds a booking of any status by its feed identity.
	BookingByUID(ctx context.Context, propertyID, externalUID string) (Booking, error)
	// InsertBooking stores b and sets its ID.
	InsertBooking(ctx context.Context, b *Booking) error
	UpdateBooking(ctx context.Context, b *Booking) error
	// NextSequence allocates the next event sequence number for a property.
	// Rolling the transaction back releases the number.
	NextSequence(ctx context.Context, propertyID string) (int64, error)

	ListTasks(ctx context.Context, f TaskFilter) ([]CleaningTask, error)
	InsertTask(ctx context.Context, t *CleaningTask) error
	UpdateTask(ctx context.Context, t *CleaningTask) error

	// ListMessages returns messages for a booking, or all when bookingID is 0.
	ListMessages(ctx context.Context, bookingID int64) ([]Message, error)
	InsertMessage(ctx context.Context, m *Message) error
	UpdateMessage(ctx context.Context, m *Message) error

	// MarkFired records that kind fired for a booking, or returns ErrAlreadyFired.
	MarkFired(ctx context.Context, bookingID int64, kind TriggerKind, at time.Time) error
	HasFired(ctx context.Context, bookingID int64, kind TriggerKind) (bool, error)
	ClearFired(ctx context.Context, bookingID int64, kind TriggerKind) error

	ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error)
	InsertPayout(ctx context.Context, p *Payout) error
	UpdatePayout(ctx context.Context, p *Payout) error

	GetPollStatus(ctx context.Context, propertyID string) (PollStatus, error)
	ListPollStatuses(ctx context.Context) ([]PollStatus, error)
	SavePollStatus(ctx context.Context, s PollStatus) error
}
