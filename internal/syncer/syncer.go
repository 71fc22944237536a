// Package syncer runs the fetch, reconcile, publish cycle for properties and
// keeps each property's poll status current.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/feed"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/metrics"
	"github.com/pearcec/proppilot/internal/reconcile"
)

// FeedFetcher retrieves a property's current intervals.
type FeedFetcher interface {
	Fetch(ctx context.Context, propertyID, url string) ([]feed.Interval, error)
}

// Reconciler applies a snapshot.
type Reconciler interface {
	Reconcile(ctx context.Context, propertyID string, snapshot []feed.Interval, cycleAt time.Time) (reconcile.Result, error)
}

// Outcome is the result of syncing one property.
type Outcome struct {
	PropertyID string
	Result     reconcile.Result
	Err        error
}

// Syncer drives cycles. Fetches for different properties may overlap; the
// reconciler serializes each property's store work.
type Syncer struct {
	store       booking.Store
	fetcher     FeedFetcher
	reconciler  Reconciler
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time
	concurrency int

	statusMu sync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithMetrics records poll outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithConcurrency bounds parallel fetches in SyncAll.
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a Syncer.
func New(store booking.Store, fetcher FeedFetcher, reconciler Reconciler, logger *logging.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		store:       store,
		fetcher:     fetcher,
		reconciler:  reconciler,
		logger:      logging.OrNop(logger).Component("syncer"),
		now:         time.Now,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncProperty runs one cycle for p. A fetch failure leaves bookings
// untouched and is retried by the next scheduled cycle. A panic anywhere in
// the cycle is recorded as that property's failure.
func (s *Syncer) SyncProperty(ctx context.Context, p booking.Property) (res reconcile.Result, err error) {
	cycleAt := s.now().UTC()
	log := s.logger.With("property", p.ID, "cycle", cycleAt)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync %s panicked: %v", p.ID, r)
			log.Error("sync panicked", "panic", r, "stack", string(debug.Stack()))
			failures := s.recordFailure(ctx, p.ID, cycleAt, err)
			s.metrics.ObservePoll(p.ID, metrics.OutcomePanic, 0, failures, cycleAt)
			res = reconcile.Result{PropertyID: p.ID, CycleAt: cycleAt}
		}
	}()

	start := time.Now()
	snapshot, err := s.fetcher.Fetch(ctx, p.ID, p.FeedURL)
	fetchTook := time.Since(start)
	if err != nil {
		log.Warn("feed fetch failed", "error", err)
		failures := s.recordFailure(ctx, p.ID, cycleAt, err)
		s.metrics.ObservePoll(p.ID, metrics.OutcomeFetchError, fetchTook, failures, cycleAt)
		return reconcile.Result{PropertyID: p.ID, CycleAt: cycleAt}, err
	}

	res, err = s.reconciler.Reconcile(ctx, p.ID, snapshot, cycleAt)
	if err != nil {
		failures := s.recordFailure(ctx, p.ID, cycleAt, err)
		s.metrics.ObservePoll(p.ID, metrics.OutcomePersistError, fetchTook, failures, cycleAt)
		return res, err
	}

	for _, ev := range res.Events {
		s.metrics.IncEvent(p.ID, string(ev.Kind))
	}
	s.metrics.AddConflicts(p.ID, len(res.Conflicts))
	s.recordSuccess(ctx, p.ID, cycleAt, len(res.Events))
	s.metrics.ObservePoll(p.ID, metrics.OutcomeSuccess, fetchTook, 0, cycleAt)

	log.Info("property synced",
		"intervals", len(snapshot),
		"events", len(res.Events),
		"missing", res.Missing,
		"conflicts", len(res.Conflicts))
	return res, nil
}

// SyncAll syncs every property concurrently. One property's failure never
// stops the others; each outcome carries its own error.
func (s *Syncer) SyncAll(ctx context.Context, props []booking.Property) []Outcome {
	outcomes := make([]Outcome, len(props))
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, p := range props {
		i, p := i, p
		g.Go(func() error {
			res, err := s.SyncProperty(ctx, p)
			outcomes[i] = Outcome{PropertyID: p.ID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Failed joins the errors of failed outcomes, or returns nil.
func Failed(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.PropertyID, o.Err))
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) loadStatus(ctx context.Context, tx booking.Tx, propertyID string) (booking.PollStatus, error) {
	st, err := tx.GetPollStatus(ctx, propertyID)
	if errors.Is(err, booking.ErrNotFound) {
		return booking.PollStatus{PropertyID: propertyID}, nil
	}
	return st, err
}

func (s *Syncer) recordFailure(ctx context.Context, propertyID string, at time.Time, cause error) int {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	failures := 0
	err := s.store.Update(ctx, func(tx booking.Tx) error {
		st, err := s.loadStatus(ctx, tx, propertyID)
		if err != nil {
			return err
		}
		st.LastAttemptAt = &at
		st.LastError = cause.Error()
		st.ConsecutiveFailures++
		failures = st.ConsecutiveFailures
		return tx.SavePollStatus(ctx, st)
	})
	if err != nil {
		s.logger.Error("record poll status failed", "property", propertyID, "error", err)
	}
	return failures
}

func (s *Syncer) recordSuccess(ctx context.Context, propertyID string, at time.Time, events int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	err := s.store.Update(ctx, func(tx booking.Tx) error {
		st, err := s.loadStatus(ctx, tx, propertyID)
		if err != nil {
			return err
		}
		st.LastAttemptAt = &at
		st.LastSuccessAt = &at
		st.LastError = ""
		st.ConsecutiveFailures = 0
		st.LastEventCount = events
		return tx.SavePollStatus(ctx, st)
	})
	if err != nil {
		s.logger.Error("record poll status failed", "property", propertyID, "error", err)
	}
}
