// Package operations turns booking changes into cleaning tasks and tells
// cleaners about them.
package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/metrics"
	"github.com/pearcec/proppilot/internal/notify"
)

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(filter events.Filter, handler events.Handler, opts ...events.SubscribeOption) events.Token
}

// Service owns cleaning tasks.
type Service struct {
	store    booking.Store
	props    booking.Directory
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
	loc      *time.Location
	leadDays int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone "today" is computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithLeadDays notifies cleaners this many days ahead of a task.
func WithLeadDays(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.leadDays = n
		}
	}
}

// WithMetrics counts fired notifications.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service.
func New(store booking.Store, props booking.Directory, notifier notify.Notifier, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		props:    props,
		notifier: notifier,
		logger:   logging.OrNop(logger).Component("operations"),
		now:      time.Now,
		loc:      time.UTC,
		leadDays: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register subscribes the service's handlers.
func (s *Service) Register(bus Subscriber) []events.Token {
	return []events.Token{
		bus.Subscribe(events.On(events.BookingCreated), s.HandleCreated, events.WithName("operations.created")),
		bus.Subscribe(events.On(events.BookingDatesChanged), s.HandleDatesChanged, events.WithName("operations.dates_changed")),
		bus.Subscribe(events.On(events.BookingCancelled), s.HandleCancelled, events.WithName("operations.cancelled")),
	}
}

func (s *Service) today() time.Time {
	return booking.Day(s.now().In(s.loc))
}

// HandleCreated schedules a cleaning task on the booking's check-out date.
// A booking never gets a second open task.
func (s *Service) HandleCreated(ctx context.Context, ev events.Event) error {
	return s.store.Update(ctx, func(tx booking.Tx) error {
		b, err := tx.GetBooking(ctx, ev.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %d: %w", ev.BookingID, err)
		}
		if !b.Active() {
			return nil
		}

		existing, err := tx.ListTasks(ctx, booking.TaskFilter{BookingID: b.ID, Statuses: []booking.TaskStatus{booking.TaskPending, booking.TaskNotified, booking.TaskCompleted}})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			s.logger.Debug("cleaning task exists", "booking_id", b.ID, "task_id", existing[0].ID)
			return nil
		}

		task, err := s.createTask(ctx, tx, b)
		if err != nil {
			return err
		}
		s.logger.Info("cleaning task created",
			"property", b.PropertyID,
			"booking_id", b.ID,
			"task_id", task.ID,
			"date", task.ScheduledDate.Format(booking.DateLayout),
			"turnover", task.IsTurnover)

		return s.refreshTurnover(ctx, tx, b.PropertyID, b.Range.CheckIn)
	})
}

// HandleDatesChanged moves the booking's open task to the new check-out date.
// A moved task must be announced to the cleaner again.
func (s *Service) HandleDatesChanged(ctx context.Context, ev events.Event) error {
	return s.store.Update(ctx, func(tx booking.Tx) error {
		b, err := tx.GetBooking(ctx, ev.BookingID)
		if err != nil {
			return fmt.Errorf("load booking %d: %w", ev.BookingID, err)
		}

		open, err := tx.ListTasks(ctx, booking.TaskFilter{BookingID: b.ID, Statuses: []booking.TaskStatus{booking.TaskPending, booking.TaskNotified}})
		if err != nil {
			return err
		}
		if len(open) == 0 && b.Active() {
			if _, err := s.createTask(ctx, tx, b); err != nil {
				return err
			}
		}

		for i := range open {
			task := open[i]
			if task.ScheduledDate.Equal(b.Range.CheckOut) {
				continue
			}
			task.ScheduledDate = b.Range.CheckOut
			task.Status = booking.TaskPending
			task.NotifiedAt = nil
			if err := tx.UpdateTask(ctx, &task); err != nil {
				return err
			}
			if err := clearTriggers(ctx, tx, b.ID); err != nil {
				return err
			}
			s.logger.Info("cleaning task rescheduled",
				"property", b.PropertyID,
				"booking_id", b.ID,
				"task_id", task.ID,
				"date", task.ScheduledDate.Format(booking.DateLayout))
		}

		for _, day := range []time.Time{b.Range.CheckOut, b.Range.CheckIn, ev.OldRange.CheckIn} {
			if day.IsZero() {
				continue
			}
			if err := s.refreshTurnover(ctx, tx, b.PropertyID, day); err != nil {
				return err
			}
		}
		return nil
	})
}

// HandleCancelled cancels the booking's open tasks.
func (s *Service) HandleCancelled(ctx context.Context, ev events.Event) error {
	return s.store.Update(ctx, func(tx booking.Tx) error {
		open, err := tx.ListTasks(ctx, booking.TaskFilter{BookingID: ev.BookingID, Statuses: []booking.TaskStatus{booking.TaskPending, booking.TaskNotified}})
		if err != nil {
			return err
		}
		for i := range open {
			open[i].Status = booking.TaskCancelled
			if err := tx.UpdateTask(ctx, &open[i]); err != nil {
				return err
			}
		}
		if len(open) > 0 {
			s.logger.Info("cleaning tasks cancelled", "property", ev.PropertyID, "booking_id", ev.BookingID, "count", len(open))
		}
		// A booking that reappears gets a fresh task, which must notify again.
		if err := clearTriggers(ctx, tx, ev.BookingID); err != nil {
			return err
		}
		return s.refreshTurnover(ctx, tx, ev.PropertyID, ev.Range.CheckIn)
	})
}

func clearTriggers(ctx context.Context, tx booking.Tx, bookingID int64) error {
	for _, kind := range []booking.TriggerKind{booking.TriggerCleanerNotified, booking.TriggerMorningReminder} {
		if err := tx.ClearFired(ctx, bookingID, kind); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) createTask(ctx context.Context, tx booking.Tx, b booking.Booking) (booking.CleaningTask, error) {
	turnover, err := isTurnover(ctx, tx, b.PropertyID, b.Range.CheckOut, b.ID)
	if err != nil {
		return booking.CleaningTask{}, err
	}
	task := booking.CleaningTask{
		BookingID:     b.ID,
		PropertyID:    b.PropertyID,
		ScheduledDate: b.Range.CheckOut,
		Status:        booking.TaskPending,
		Priority:      priorityFor(turnover),
		IsTurnover:    turnover,
	}
	if err := tx.InsertTask(ctx, &task); err != nil {
		return booking.CleaningTask{}, err
	}
	return task, nil
}

// isTurnover reports whether another active booking checks in on day.
func isTurnover(ctx context.Context, tx booking.Tx, propertyID string, day time.Time, excludeID int64) (bool, error) {
	list, err := tx.ListBookings(ctx, booking.Filter{PropertyID: propertyID, Statuses: booking.ActiveStatuses(), CheckOutFrom: day})
	if err != nil {
		return false, err
	}
	for _, b := range list {
		if b.ID != excludeID && b.Range.CheckIn.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

// refreshTurnover recomputes the turnover flag of open tasks scheduled on day.
func (s *Service) refreshTurnover(ctx context.Context, tx booking.Tx, propertyID string, day time.Time) error {
	tasks, err := tx.ListTasks(ctx, booking.TaskFilter{PropertyID: propertyID, On: day, Statuses: []booking.TaskStatus{booking.TaskPending, booking.TaskNotified}})
	if err != nil {
		return err
	}
	for i := range tasks {
		turnover, err := isTurnover(ctx, tx, propertyID, day, tasks[i].BookingID)
		if err != nil {
			return err
		}
		if turnover == tasks[i].IsTurnover {
			continue
		}
		tasks[i].IsTurnover = turnover
		tasks[i].Priority = priorityFor(turnover)
		if err := tx.UpdateTask(ctx, &tasks[i]); err != nil {
			return err
		}
	}
	return nil
}

func priorityFor(turnover bool) booking.Priority {
	if turnover {
		return booking.PriorityHigh
	}
	return booking.PriorityNormal
}

// NotifyCleaners sends one notice per pending task due within the lead time
// and marks it notified in the same transaction.
func (s *Service) NotifyCleaners(ctx context.Context) (int, error) {
	dueBy := s.today().AddDate(0, 0, s.leadDays)

	var pending []booking.CleaningTask
	err := s.store.View(ctx, func(tx booking.Tx) error {
		var err error
		pending, err = tx.ListTasks(ctx, booking.TaskFilter{Statuses: []booking.TaskStatus{booking.TaskPending}, DueBy: dueBy})
		return err
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, task := range pending {
		prop, ok := s.props.Get(task.PropertyID)
		if !ok || cleanerAddress(prop) == "" {
			s.logger.Debug("no cleaner contact", "property", task.PropertyID, "task_id", task.ID)
			continue
		}
		fired, err := s.fire(ctx, task, booking.TriggerCleanerNotified, func(t *booking.CleaningTask) notify.Notice {
			now := s.now()
			t.Status = booking.TaskNotified
			t.NotifiedAt = &now
			return notify.Notice{
				Kind:       string(booking.TriggerCleanerNotified),
				PropertyID: t.PropertyID,
				BookingID:  t.BookingID,
				To:         cleanerAddress(prop),
				Subject:    "Cleaning task " + t.ScheduledDate.Format(booking.DateLayout),
				Body:       cleanerNotice(*t, prop),
			}
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", task.ID, err))
			continue
		}
		if fired {
			sent++
		}
	}
	s.metrics.AddTriggers(string(booking.TriggerCleanerNotified), sent)
	if sent > 0 {
		s.logger.Info("cleaners notified", "count", sent)
	}
	return sent, errors.Join(errs...)
}

// SendMorningReminders reminds cleaners of tasks scheduled today.
func (s *Service) SendMorningReminders(ctx context.Context) (int, error) {
	today := s.today()

	var tasks []booking.CleaningTask
	err := s.store.View(ctx, func(tx booking.Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, booking.TaskFilter{On: today, Statuses: []booking.TaskStatus{booking.TaskPending, booking.TaskNotified}})
		return err
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, task := range tasks {
		prop, ok := s.props.Get(task.PropertyID)
		if !ok || cleanerAddress(prop) == "" {
			continue
		}
		fired, err := s.fire(ctx, task, booking.TriggerMorningReminder, func(t *booking.CleaningTask) notify.Notice {
			return notify.Notice{
				Kind:       string(booking.TriggerMorningReminder),
				PropertyID: t.PropertyID,
				BookingID:  t.BookingID,
				To:         cleanerAddress(prop),
				Subject:    "Cleaning today",
				Body:       morningNotice(*t, prop),
			}
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", task.ID, err))
			continue
		}
		if fired {
			sent++
		}
	}
	s.metrics.AddTriggers(string(booking.TriggerMorningReminder), sent)
	return sent, errors.Join(errs...)
}

// fire marks kind as fired for the task's booking, lets build mutate the task
// and produce the notice, delivers it, and commits. A delivery failure rolls
// the flag back so the next run retries.
func (s *Service) fire(ctx context.Context, task booking.CleaningTask, kind booking.TriggerKind, build func(t *booking.CleaningTask) notify.Notice) (bool, error) {
	fired := false
	err := s.store.Update(ctx, func(tx booking.Tx) error {
		current, err := tx.ListTasks(ctx, booking.TaskFilter{BookingID: task.BookingID})
		if err != nil {
			return err
		}
		var t *booking.CleaningTask
		for i := range current {
			if current[i].ID == task.ID {
				t = &current[i]
			}
		}
		if t == nil || !t.Status.Open() {
			return nil
		}

		if err := tx.MarkFired(ctx, t.BookingID, kind, s.now()); err != nil {
			if errors.Is(err, booking.ErrAlreadyFired) {
				return nil
			}
			return err
		}
		notice := build(t)
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		if err := s.notifier.Notify(ctx, notice); err != nil {
			return fmt.Errorf("deliver %s: %w", kind, err)
		}
		fired = true
		return nil
	})
	return fired, err
}

func cleanerAddress(p booking.Property) string {
	if p.Cleaner.Phone != "" {
		return p.Cleaner.Phone
	}
	return p.Cleaner.Email
}

func cleanerNotice(t booking.CleaningTask, p booking.Property) string {
	prefix := ""
	if t.IsTurnover {
		prefix = "SAME-DAY TURNOVER - "
	}
	return fmt.Sprintf("%sNew cleaning task:\nProperty: %s\nAddress: %s\nDate: %s\nCheckout: %s",
		prefix, p.Name, p.Address, t.ScheduledDate.Format("Monday, January 02"), checkoutClock(p))
}

func morningNotice(t booking.CleaningTask, p booking.Property) string {
	prefix := ""
	if t.IsTurnover {
		prefix = "URGENT TURNOVER - "
	}
	return fmt.Sprintf("%sReminder: Cleaning today at %s, %s. Checkout time: %s.",
		prefix, p.Name, p.Address, checkoutClock(p))
}

func checkoutClock(p booking.Property) string {
	if p.CheckOutTime == "" {
		return booking.DefaultCheckOutTime
	}
	return p.CheckOutTime
}
