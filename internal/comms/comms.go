// Package comms queues guest messages for the host to send.
//
// The booking platforms expose no messaging API, so rendered messages stay
// queued until the host copies them into the platform.
package comms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/metrics"
)

// ChannelPlatform is the booking platform's own inbox.
const ChannelPlatform = "platform"

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(filter events.Filter, handler events.Handler, opts ...events.SubscribeOption) events.Token
}

// Service renders and queues guest messages.
type Service struct {
	store   booking.Store
	props   booking.Directory
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
	loc     *time.Location
	windows Windows
	channel string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone check-in and check-out clocks are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithWindows overrides DefaultWindows.
func WithWindows(w Windows) Option {
	return func(s *Service) { s.windows = w }
}

// WithMetrics counts fired triggers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service.
func New(store booking.Store, props booking.Directory, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		props:   props,
		logger:  logging.OrNop(logger).Component("comms"),
		now:     time.Now,
		loc:     time.UTC,
		windows: DefaultWindows(),
		channel: ChannelPlatform,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register subscribes the service's handlers.
func (s *Service) Register(bus Subscriber) []events.Token {
	return []events.Token{
		bus.Subscribe(events.On(events.BookingCreated), s.HandleCreated, events.WithName("comms.created")),
		bus.Subscribe(events.On(events.BookingCancelled), s.HandleCancelled, events.WithName("comms.cancelled")),
	}
}

// HandleCreated queues the welcome message.
func (s *Service) HandleCreated(ctx context.Context, ev events.Event) error {
	return s.store.Update(ctx, func(tx booking.Tx) error {
		b, err := tx.GetBooking(ctx, ev.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %d: %w", ev.BookingID, err)
		}
		if b.Status != booking.StatusConfirmed {
			return nil
		}
		_, err = s.queue(ctx, tx, b, Welcome)
		return err
	})
}

// HandleCancelled withdraws messages still waiting in the queue and rearms
// the booking's time triggers in case it is reactivated.
func (s *Service) HandleCancelled(ctx context.Context, ev events.Event) error {
	return s.store.Update(ctx, func(tx booking.Tx) error {
		msgs, err := tx.ListMessages(ctx, ev.BookingID)
		if err != nil {
			return err
		}
		for i := range msgs {
			if msgs[i].Status != booking.MessageQueued {
				continue
			}
			msgs[i].Status = booking.MessageCancelled
			if err := tx.UpdateMessage(ctx, &msgs[i]); err != nil {
				return err
			}
		}
		for _, tr := range s.triggers() {
			if err := tx.ClearFired(ctx, ev.BookingID, tr.kind); err != nil {
				return err
			}
		}
		return nil
	})
}

// Queue renders a template for a booking and queues it unless a live message
// from the same template already exists. It reports whether a message was
// added.
func (s *Service) Queue(ctx context.Context, bookingID int64, template string) (bool, error) {
	queued := false
	err := s.store.Update(ctx, func(tx booking.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		queued, err = s.queue(ctx, tx, b, template)
		return err
	})
	return queued, err
}

func (s *Service) queue(ctx context.Context, tx booking.Tx, b booking.Booking, template string) (bool, error) {
	existing, err := tx.ListMessages(ctx, b.ID)
	if err != nil {
		return false, err
	}
	for _, m := range existing {
		if m.Template == template && m.Status.Live() {
			return false, nil
		}
	}

	prop, ok := s.props.Get(b.PropertyID)
	if !ok {
		prop = booking.Property{ID: b.PropertyID}
	}
	subject, body, err := Render(template, NewContext(b, prop))
	if err != nil {
		return false, err
	}
	msg := booking.Message{
		BookingID:  b.ID,
		PropertyID: b.PropertyID,
		Template:   template,
		Channel:    s.channel,
		Body:       body,
		Status:     booking.MessageQueued,
	}
	if err := tx.InsertMessage(ctx, &msg); err != nil {
		return false, err
	}
	s.logger.Info("message queued",
		"property", b.PropertyID,
		"booking_id", b.ID,
		"template", template,
		"subject", subject)
	return true, nil
}

type trigger struct {
	kind     booking.TriggerKind
	template string
	due      func(now, checkIn, checkOut time.Time) bool
}

func (s *Service) triggers() []trigger {
	within := func(d, limit time.Duration) bool { return d >= 0 && d <= limit }
	return []trigger{
		{booking.TriggerCheckInInstructions, CheckInInstructions, func(now, in, _ time.Time) bool {
			return within(in.Sub(now), s.windows.CheckIn)
		}},
		{booking.TriggerCheckoutReminder, CheckoutReminder, func(now, _, out time.Time) bool {
			return within(out.Sub(now), s.windows.Checkout)
		}},
		{booking.TriggerReviewRequest, ReviewRequest, func(now, _, out time.Time) bool {
			return within(now.Sub(out), s.windows.Review)
		}},
	}
}

// CheckScheduledMessages queues every timed message whose window contains now.
// Each trigger fires at most once per booking.
func (s *Service) CheckScheduledMessages(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	since := booking.Day(now).Add(-s.windows.Review - 24*time.Hour)

	var candidates []booking.Booking
	err := s.store.View(ctx, func(tx booking.Tx) error {
		var err error
		candidates, err = tx.ListBookings(ctx, booking.Filter{Statuses: []booking.Status{booking.StatusConfirmed}, CheckOutFrom: since})
		return err
	})
	if err != nil {
		return 0, err
	}

	count := 0
	var errs []error
	for _, b := range candidates {
		prop, _ := s.props.Get(b.PropertyID)
		checkIn, err := prop.CheckInAt(b.Range.CheckIn, s.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		checkOut, err := prop.CheckOutAt(b.Range.CheckOut, s.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, tr := range s.triggers() {
			if !tr.due(now, checkIn, checkOut) {
				continue
			}
			queued, err := s.fire(ctx, b.ID, tr)
			if err != nil {
				errs = append(errs, fmt.Errorf("booking %d %s: %w", b.ID, tr.kind, err))
				continue
			}
			if queued {
				count++
				s.metrics.AddTriggers(string(tr.kind), 1)
			}
		}
	}
	return count, errors.Join(errs...)
}

// fire sets the trigger's flag and queues its message in one transaction.
func (s *Service) fire(ctx context.Context, bookingID int64, tr trigger) (bool, error) {
	queued := false
	err := s.store.Update(ctx, func(tx booking.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != booking.StatusConfirmed {
			return nil
		}
		if err := tx.MarkFired(ctx, bookingID, tr.kind, s.now()); err != nil {
			if errors.Is(err, booking.ErrAlreadyFired) {
				return nil
			}
			return err
		}
		queued, err = s.queue(ctx, tx, b, tr.template)
		return err
	})
	return queued, err
}

// Pending lists queued messages across all bookings.
func (s *Service) Pending(ctx context.Context) ([]booking.Message, error) {
	var out []booking.Message
	err := s.store.View(ctx, func(tx booking.Tx) error {
		all, err := tx.ListMessages(ctx, 0)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.Status == booking.MessageQueued {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

// MarkCopied records that the host pasted a message into the platform.
func (s *Service) MarkCopied(ctx context.Context, messageID int64) error {
	return s.store.Update(ctx, func(tx booking.Tx) error {
		all, err := tx.ListMessages(ctx, 0)
		if err != nil {
			return err
		}
		for i := range all {
			if all[i].ID == messageID {
				all[i].Status = booking.MessageCopied
				return tx.UpdateMessage(ctx, &all[i])
			}
		}
		return booking.ErrNotFound
	})
}
