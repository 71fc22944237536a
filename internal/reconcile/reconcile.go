// Package reconcile diffs a property's feed snapshot against stored bookings,
// applies the resulting mutations in one transaction and publishes one event
// per change after the transaction commits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/feed"
	"github.com/pearcec/proppilot/internal/logging"
)

// DefaultMissingThreshold is how many consecutive polls a booking may be
// absent from its feed before it is cancelled.
const DefaultMissingThreshold = 2

// ConflictError reports a feed interval that breaks a booking invariant.
// The interval is skipped; the rest of the cycle proceeds.
type ConflictError struct {
	PropertyID  string
	ExternalUID string
	Range       booking.DateRange
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict %s/%s: check-in %s not before check-out %s",
		e.PropertyID, e.ExternalUID,
		e.Range.CheckIn.Format(booking.DateLayout), e.Range.CheckOut.Format(booking.DateLayout))
}

// Publisher delivers events after a cycle commits.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) events.Result
}

// Result describes one reconciliation cycle.
type Result struct {
	PropertyID string
	CycleAt    time.Time
	Events     []events.Event
	Unchanged  int
	Missing    int // bookings inside their grace window after this cycle
	Reappeared int // bookings whose grace window was cleared
	Conflicts  []*ConflictError
	Delivery   []events.Result
}

// Count returns how many events of kind the cycle produced.
func (r Result) Count(kind events.Kind) int {
	n := 0
	for _, ev := range r.Events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Reconciler owns the diff algorithm. Cycles for one property are serialized;
// different properties reconcile independently.
type Reconciler struct {
	store     booking.Store
	publisher Publisher
	threshold int
	logger    *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMissingThreshold sets the grace window in polls. Values below 1 are ignored.
func WithMissingThreshold(n int) Option {
	return func(r *Reconciler) {
		if n >= 1 {
			r.threshold = n
		}
	}
}

// New creates a Reconciler.
func New(store booking.Store, publisher Publisher, logger *logging.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		publisher: publisher,
		threshold: DefaultMissingThreshold,
		logger:    logging.OrNop(logger).Component("reconcile"),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold returns the configured grace window.
func (r *Reconciler) Threshold() int {
	return r.threshold
}

func (r *Reconciler) lock(propertyID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[propertyID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[propertyID] = l
	}
	return l
}

// change is a mutation staged inside the transaction, awaiting a sequence number.
type change struct {
	kind     events.Kind
	booking  booking.Booking
	oldRange booking.DateRange
}

// Reconcile diffs snapshot against the property's bookings as of cycleAt.
// On a store failure it returns a *booking.PersistenceError, the store is
// unchanged and no event is published.
func (r *Reconciler) Reconcile(ctx context.Context, propertyID string, snapshot []feed.Interval, cycleAt time.Time) (Result, error) {
	l := r.lock(propertyID)
	l.Lock()
	defer l.Unlock()

	log := r.logger.With("property", propertyID, "cycle", cycleAt)
	intervals := feed.Active(feed.Collapse(snapshot))

	var res Result
	err := r.store.Update(ctx, func(tx booking.Tx) error {
		res = Result{PropertyID: propertyID, CycleAt: cycleAt}
		return r.apply(ctx, tx, propertyID, intervals, cycleAt, &res, log)
	})
	if err != nil {
		perr := &booking.PersistenceError{Op: "reconcile " + propertyID, Err: err}
		log.Error("reconcile aborted", "error", err)
		return Result{PropertyID: propertyID, CycleAt: cycleAt}, perr
	}

	for _, c := range res.Conflicts {
		log.Warn("interval skipped", "external_uid", c.ExternalUID, "range", c.Range.String(), "error", c)
	}

	for _, ev := range res.Events {
		log.Info("booking change",
			"kind", ev.Kind,
			"external_uid", ev.ExternalUID,
			"booking_id", ev.BookingID,
			"seq", ev.Seq,
			"range", ev.Range.String())
		if r.publisher != nil {
			res.Delivery = append(res.Delivery, r.publisher.Publish(ctx, ev))
		}
	}

	log.Debug("reconcile done",
		"created", res.Count(events.BookingCreated),
		"dates_changed", res.Count(events.BookingDatesChanged),
		"cancelled", res.Count(events.BookingCancelled),
		"unchanged", res.Unchanged,
		"missing", res.Missing)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx booking.Tx, propertyID string, intervals []feed.Interval, cycleAt time.Time, res *Result, log *logging.Logger) error {
	active, err := tx.ListBookings(ctx, booking.Filter{PropertyID: propertyID, Statuses: booking.ActiveStatuses()})
	if err != nil {
		return err
	}
	byUID := make(map[string]booking.Booking, len(active))
	for _, b := range active {
		byUID[b.ExternalUID] = b
	}

	var created, changed, cancelled []change
	seen := make(map[string]bool, len(intervals))

	for _, iv := range intervals {
		seen[iv.UID] = true
		existing, known := byUID[iv.UID]

		if !iv.Range.Valid() {
			res.Conflicts = append(res.Conflicts, &ConflictError{PropertyID: propertyID, ExternalUID: iv.UID, Range: iv.Range})
			if known {
				if existing.Missing() {
					res.Reappeared++
				}
				existing.ClearMissing()
				existing.LastSeenAt = cycleAt
				if err := tx.UpdateBooking(ctx, &existing); err != nil {
					return err
				}
			}
			continue
		}

		if !known {
			b, err := r.createOrReactivate(ctx, tx, propertyID, iv, cycleAt)
			if err != nil {
				return err
			}
			created = append(created, change{kind: events.BookingCreated, booking: b})
			continue
		}

		oldRange := existing.Range
		datesMoved := !oldRange.Equal(iv.Range)
		if existing.Missing() {
			res.Reappeared++
			log.Debug("booking reappeared", "external_uid", iv.UID, "missing_polls", existing.MissingPolls)
		}
		existing.ClearMissing()
		existing.Range = iv.Range
		existing.Status = statusOf(iv)
		existing.Summary = iv.Summary
		existing.LastSeenAt = cycleAt
		if err := tx.UpdateBooking(ctx, &existing); err != nil {
			return err
		}
		if datesMoved {
			changed = append(changed, change{kind: events.BookingDatesChanged, booking: existing, oldRange: oldRange})
		} else {
			res.Unchanged++
		}
	}

	today := booking.Day(cycleAt)
	for _, b := range active {
		if seen[b.ExternalUID] {
			continue
		}
		b.MarkMissing(cycleAt)
		past := b.Range.CheckOut.Before(today)
		if past || b.MissingPolls >= r.threshold {
			b.Status = booking.StatusCancelled
			cancelled = append(cancelled, change{kind: events.BookingCancelled, booking: b})
		} else {
			res.Missing++
		}
		if err := tx.UpdateBooking(ctx, &b); err != nil {
			return err
		}
	}

	for _, group := range [][]change{created, changed, cancelled} {
		for _, c := range group {
			seq, err := tx.NextSequence(ctx, propertyID)
			if err != nil {
				return err
			}
			ev := events.NewEvent(c.kind, seq, c.booking, cycleAt)
			ev.OldRange = c.oldRange
			res.Events = append(res.Events, ev)
		}
	}
	return nil
}

// createOrReactivate inserts a booking for a new UID, or revives the cancelled
// row that already holds the identity.
func (r *Reconciler) createOrReactivate(ctx context.Context, tx booking.Tx, propertyID string, iv feed.Interval, cycleAt time.Time) (booking.Booking, error) {
	prior, err := tx.BookingByUID(ctx, propertyID, iv.UID)
	switch {
	case err == nil:
		prior.Range = iv.Range
		prior.Status = statusOf(iv)
		prior.Summary = iv.Summary
		prior.LastSeenAt = cycleAt
		prior.ClearMissing()
		if err := tx.UpdateBooking(ctx, &prior); err != nil {
			return booking.Booking{}, err
		}
		return prior, nil
	case errors.Is(err, booking.ErrNotFound):
		b := booking.Booking{
			PropertyID:  propertyID,
			ExternalUID: iv.UID,
			Range:       iv.Range,
			Status:      statusOf(iv),
			Summary:     iv.Summary,
			Source:      booking.SourceFeed,
			LastSeenAt:  cycleAt,
		}
		if err := tx.InsertBooking(ctx, &b); err != nil {
			return booking.Booking{}, err
		}
		return b, nil
	default:
		return booking.Booking{}, err
	}
}

func statusOf(iv feed.Interval) booking.Status {
	if iv.Status == booking.StatusTentative {
		return booking.StatusTentative
	}
	return booking.StatusConfirmed
}
