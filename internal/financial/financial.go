// Package financial links payouts to bookings and enriches bookings with
// details only the booking platform's emails carry.
package financial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/logging"
)

// ErrNoBooking is returned when enrichment matches no booking.
var ErrNoBooking = errors.New("no matching booking")

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(filter events.Filter, handler events.Handler, opts ...events.SubscribeOption) events.Token
}

// Linker attaches payouts to bookings.
type Linker struct {
	store  booking.Store
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Linker.
type Option func(*Linker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Linker) { l.now = now }
}

// New creates a Linker.
func New(store booking.Store, logger *logging.Logger, opts ...Option) *Linker {
	l := &Linker{
		store:  store,
		logger: logging.OrNop(logger).Component("financial"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register links waiting payouts whenever a booking appears or moves.
func (l *Linker) Register(bus Subscriber) []events.Token {
	return []events.Token{
		bus.Subscribe(events.On(events.BookingCreated, events.BookingDatesChanged), l.HandleBooking, events.WithName("financial.link")),
	}
}

// HandleBooking attaches unlinked payouts that match the event's booking.
func (l *Linker) HandleBooking(ctx context.Context, ev events.Event) error {
	return l.store.Update(ctx, func(tx booking.Tx) error {
		b, err := tx.GetBooking(ctx, ev.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %d: %w", ev.BookingID, err)
		}
		payouts, err := tx.ListPayouts(ctx, booking.PayoutFilter{PropertyID: b.PropertyID, Unlinked: true})
		if err != nil {
			return err
		}
		for i := range payouts {
			if !matches(payouts[i], b) {
				continue
			}
			if err := l.link(ctx, tx, &payouts[i], &b); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordPayout stores a payout and links it when its booking is known.
func (l *Linker) RecordPayout(ctx context.Context, p booking.Payout) (booking.Payout, error) {
	if p.PropertyID == "" {
		return booking.Payout{}, errors.New("payout needs a property")
	}
	if p.Source == "" {
		p.Source = booking.SourceManual
	}
	p.BookingID = nil
	p.LinkedAt = nil

	err := l.store.Update(ctx, func(tx booking.Tx) error {
		if err := tx.InsertPayout(ctx, &p); err != nil {
			return err
		}
		b, err := findBooking(ctx, tx, p.PropertyID, p.ConfirmationCode, p.Stay)
		if errors.Is(err, ErrNoBooking) {
			l.logger.Info("payout unlinked", "property", p.PropertyID, "payout_id", p.ID, "confirmation_code", p.ConfirmationCode)
			return nil
		}
		if err != nil {
			return err
		}
		return l.link(ctx, tx, &p, &b)
	})
	return p, err
}

// Enrichment carries booking details learned outside the feed.
type Enrichment struct {
	PropertyID       string
	Stay             booking.DateRange
	GuestName        string
	ConfirmationCode string
	PayoutCents      *int64
}

// Enrich fills guest details on the matching booking. Empty fields leave the
// booking's values alone.
func (l *Linker) Enrich(ctx context.Context, e Enrichment) (booking.Booking, error) {
	var out booking.Booking
	err := l.store.Update(ctx, func(tx booking.Tx) error {
		b, err := findBooking(ctx, tx, e.PropertyID, e.ConfirmationCode, e.Stay)
		if err != nil {
			return err
		}
		if e.GuestName != "" {
			b.GuestName = e.GuestName
		}
		if e.ConfirmationCode != "" {
			b.ConfirmationCode = e.ConfirmationCode
		}
		if e.PayoutCents != nil {
			amount := *e.PayoutCents
			b.PayoutCents = &amount
		}
		if err := tx.UpdateBooking(ctx, &b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err == nil {
		l.logger.Info("booking enriched", "property", out.PropertyID, "booking_id", out.ID)
	}
	return out, err
}

// Lookup finds an active booking by confirmation code or exact stay. An empty
// propertyID searches every property.
func (l *Linker) Lookup(ctx context.Context, propertyID, code string, stay booking.DateRange) (booking.Booking, error) {
	var b booking.Booking
	err := l.store.View(ctx, func(tx booking.Tx) error {
		var err error
		b, err = findBooking(ctx, tx, propertyID, code, stay)
		return err
	})
	return b, err
}

func (l *Linker) link(ctx context.Context, tx booking.Tx, p *booking.Payout, b *booking.Booking) error {
	now := l.now()
	id := b.ID
	p.BookingID = &id
	p.LinkedAt = &now
	if err := tx.UpdatePayout(ctx, p); err != nil {
		return err
	}

	total := p.AmountCents
	if b.PayoutCents != nil {
		prior, err := tx.ListPayouts(ctx, booking.PayoutFilter{BookingID: b.ID})
		if err != nil {
			return err
		}
		total = 0
		for _, other := range prior {
			total += other.AmountCents
		}
	}
	b.PayoutCents = &total
	if b.ConfirmationCode == "" {
		b.ConfirmationCode = p.ConfirmationCode
	}
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return err
	}
	l.logger.Info("payout linked",
		"property", b.PropertyID,
		"booking_id", b.ID,
		"payout_id", p.ID,
		"amount_cents", p.AmountCents)
	return nil
}

// findBooking prefers the confirmation code and falls back to exact stay dates.
func findBooking(ctx context.Context, tx booking.Tx, propertyID, code string, stay booking.DateRange) (booking.Booking, error) {
	list, err := tx.ListBookings(ctx, booking.Filter{PropertyID: propertyID, Statuses: booking.ActiveStatuses()})
	if err != nil {
		return booking.Booking{}, err
	}
	if code != "" {
		for _, b := range list {
			if b.ConfirmationCode == code {
				return b, nil
			}
		}
	}
	if !stay.IsZero() {
		for _, b := range list {
			if b.Range.Equal(stay) {
				return b, nil
			}
		}
	}
	return booking.Booking{}, ErrNoBooking
}

func matches(p booking.Payout, b booking.Booking) bool {
	if p.ConfirmationCode != "" && p.ConfirmationCode == b.ConfirmationCode {
		return true
	}
	return !p.Stay.IsZero() && p.Stay.Equal(b.Range)
}
