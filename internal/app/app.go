// Package app wires PropPilot's components from a configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/comms"
	"github.com/pearcec/proppilot/internal/config"
	"github.com/pearcec/proppilot/internal/email"
	"github.com/pearcec/proppilot/internal/events"
	"github.com/pearcec/proppilot/internal/feed"
	"github.com/pearcec/proppilot/internal/financial"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/metrics"
	"github.com/pearcec/proppilot/internal/notify"
	"github.com/pearcec/proppilot/internal/operations"
	"github.com/pearcec/proppilot/internal/reconcile"
	"github.com/pearcec/proppilot/internal/scheduler"
	"github.com/pearcec/proppilot/internal/status"
	"github.com/pearcec/proppilot/internal/store/memory"
	"github.com/pearcec/proppilot/internal/store/postgres"
	"github.com/pearcec/proppilot/internal/syncer"
)

// Job names.
const (
	JobPollPrefix       = "poll:"
	JobMessages         = "messages"
	JobCleaningNotify   = "cleaning-notify"
	JobMorningReminders = "morning-reminders"
	JobEmailInbox       = "email-inbox"
)

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Store      booking.Store
	Props      booking.Directory
	Bus        *events.Bus
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Reconciler *reconcile.Reconciler
	Syncer     *syncer.Syncer
	Operations *operations.Service
	Comms      *comms.Service
	Financial  *financial.Linker
	Email      *email.Processor
	Status     *status.Server

	ownsStore bool
}

type options struct {
	logger     *logging.Logger
	store      booking.Store
	notifier   notify.Notifier
	now        func() time.Time
	httpClient *http.Client
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	ownsStore  bool
}

// Option configures New.
type Option func(*options)

// WithLogger uses logger instead of one built from the configuration.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore uses store instead of opening one. The App will not close it.
func WithStore(store booking.Store) Option {
	return func(o *options) { o.store = store }
}

// WithNotifier replaces the logging notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHTTPClient is used for feed fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Inherit reuses prev's logger, store and metrics, and takes over closing the
// store if prev owned it. Call prev.Detach before closing prev.
func Inherit(prev *App) Option {
	return func(o *options) {
		o.logger = prev.Logger
		o.store = prev.Store
		o.registry = prev.Registry
		o.metrics = prev.Metrics
		o.ownsStore = prev.ownsStore
	}
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	}

	a := &App{Config: cfg, Logger: logger, Props: cfg.Directory()}

	a.Store, a.ownsStore = o.store, o.ownsStore
	if a.Store == nil {
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.ownsStore = true
	}

	a.Registry, a.Metrics = o.registry, o.metrics
	if a.Metrics == nil {
		a.Registry = prometheus.NewRegistry()
		m, err := metrics.New(a.Registry)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.Metrics = m
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	loc := cfg.Location()

	a.Bus = events.NewBus(logger, events.WithErrorHook(func(se *events.SubscriberError) {
		a.Metrics.IncSubscriberError(se.Subscriber)
	}))

	fetchOpts := []feed.Option{
		feed.WithTimeout(cfg.Sync.FetchTimeout),
		feed.WithUserAgent(cfg.Sync.UserAgent),
	}
	if o.httpClient != nil {
		fetchOpts = append(fetchOpts, feed.WithHTTPClient(o.httpClient))
	}

	a.Reconciler = reconcile.New(a.Store, a.Bus, logger, reconcile.WithMissingThreshold(cfg.Sync.MissingPollThreshold))
	a.Syncer = syncer.New(a.Store, feed.NewFetcher(logger, fetchOpts...), a.Reconciler, logger,
		syncer.WithClock(o.now),
		syncer.WithMetrics(a.Metrics),
		syncer.WithConcurrency(cfg.Sync.Concurrency))

	a.Financial = financial.New(a.Store, logger, financial.WithClock(o.now))
	a.Email = email.New(a.Financial, a.Props, logger,
		email.WithClock(o.now),
		email.WithSenders(cfg.Email.Senders),
		email.WithRetryFor(cfg.Email.RetryFor),
		email.WithMetrics(a.Metrics))
	a.Operations = operations.New(a.Store, a.Props, notifier, logger,
		operations.WithClock(o.now),
		operations.WithLocation(loc),
		operations.WithLeadDays(cfg.Cleaning.NotifyLeadDays),
		operations.WithMetrics(a.Metrics))
	a.Comms = comms.New(a.Store, a.Props, logger,
		comms.WithClock(o.now),
		comms.WithLocation(loc),
		comms.WithWindows(comms.Windows{
			CheckIn:  time.Duration(cfg.Messages.CheckInLeadHours) * time.Hour,
			Checkout: time.Duration(cfg.Messages.CheckoutLeadHours) * time.Hour,
			Review:   time.Duration(cfg.Messages.ReviewWithinHours) * time.Hour,
		}),
		comms.WithMetrics(a.Metrics))

	// Payouts link first so later subscribers see enriched bookings.
	a.Financial.Register(a.Bus)
	a.Operations.Register(a.Bus)
	a.Comms.Register(a.Bus)
	a.Bus.Subscribe(events.All(), events.Sequenced(a.audit, logger), events.WithName("audit"))

	a.Status = status.New(a.Store, a.Props, logger,
		status.WithClock(o.now),
		status.WithStaleAfter(cfg.Sync.StaleAfter),
		status.WithGatherer(a.Registry))
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (booking.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, bookings are kept in memory only")
		return memory.New(), nil
	}
	store, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return store, nil
}

// audit logs every event that passes the sequence guard.
func (a *App) audit(_ context.Context, ev events.Event) error {
	a.Logger.Component("audit").Debug("booking event",
		"property", ev.PropertyID,
		"kind", ev.Kind,
		"seq", ev.Seq,
		"booking_id", ev.BookingID,
		"external_uid", ev.ExternalUID)
	return nil
}

// Migrate applies pending schema migrations when the store is Postgres.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	pg, ok := a.Store.(*postgres.Store)
	if !ok {
		return nil, fmt.Errorf("migrate needs a database url")
	}
	return pg.Migrate(ctx)
}

// Property looks up a configured property.
func (a *App) Property(id string) (booking.Property, error) {
	p, ok := a.Props.Get(id)
	if !ok {
		return booking.Property{}, fmt.Errorf("unknown property %q", id)
	}
	return p, nil
}

// SyncAll runs one cycle for every enabled property.
func (a *App) SyncAll(ctx context.Context) []syncer.Outcome {
	return a.Syncer.SyncAll(ctx, a.Props.Enabled())
}

// Jobs returns the scheduled work for the configuration.
func (a *App) Jobs() []scheduler.Job {
	var jobs []scheduler.Job
	for _, p := range a.Props.Enabled() {
		p := p
		jobs = append(jobs, scheduler.Job{
			Name: JobPollPrefix + p.ID,
			Spec: scheduler.Every(a.Config.Sync.Interval),
			Run: func(ctx context.Context) error {
				_, err := a.Syncer.SyncProperty(ctx, p)
				return err
			},
		})
	}

	jobs = append(jobs,
		scheduler.Job{
			Name: JobMessages,
			Spec: scheduler.Every(a.Config.Messages.Every),
			Run: func(ctx context.Context) error {
				_, err := a.Comms.CheckScheduledMessages(ctx)
				return err
			},
		},
		scheduler.Job{
			Name: JobCleaningNotify,
			Spec: scheduler.Every(a.Config.Cleaning.NotifyEvery),
			Run: func(ctx context.Context) error {
				_, err := a.Operations.NotifyCleaners(ctx)
				return err
			},
		},
	)
	if a.Config.Cleaning.MorningCron != "" {
		jobs = append(jobs, scheduler.Job{
			Name: JobMorningReminders,
			Spec: a.Config.Cleaning.MorningCron,
			Run: func(ctx context.Context) error {
				_, err := a.Operations.SendMorningReminders(ctx)
				return err
			},
		})
	}
	if dir := a.Config.Email.InboxDir; dir != "" {
		jobs = append(jobs, scheduler.Job{
			Name: JobEmailInbox,
			Spec: scheduler.Every(a.Config.Email.Every),
			Run: func(ctx context.Context) error {
				_, err := a.Email.ProcessInbox(ctx, dir)
				return err
			},
		})
	}
	return jobs
}

// Close releases the bus and, when the App opened it, the store.
func (a *App) Close() error {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.ownsStore && a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// Detach hands ownership of the store to whoever inherits it.
func (a *App) Detach() {
	a.ownsStore = false
}
