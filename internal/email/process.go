package email

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/financial"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/metrics"
)

// Result values for a handled message.
const (
	ResultApplied   = "applied"
	ResultUnmatched = "unmatched"
	ResultIgnored   = "ignored"
	ResultFailed    = "failed"
)

// Inbox subdirectories messages are moved into once handled.
const (
	DirProcessed = "processed"
	DirUnmatched = "unmatched"
	DirFailed    = "failed"
)

// Linker is the part of financial.Linker the processor needs.
type Linker interface {
	Enrich(ctx context.Context, e financial.Enrichment) (booking.Booking, error)
	RecordPayout(ctx context.Context, p booking.Payout) (booking.Payout, error)
	Lookup(ctx context.Context, propertyID, code string, stay booking.DateRange) (booking.Booking, error)
}

// Outcome describes what applying one message did.
type Outcome struct {
	Kind      Kind
	Result    string
	BookingID int64
	PayoutID  int64
	Linked    bool
}

// Processor applies parsed messages to bookings and payouts.
type Processor struct {
	linker   Linker
	props    booking.Directory
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
	senders  map[string]bool
	retryFor time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithSenders limits inbox processing to these addresses.
func WithSenders(addrs []string) Option {
	return func(p *Processor) {
		p.senders = make(map[string]bool, len(addrs))
		for _, a := range addrs {
			p.senders[strings.ToLower(strings.TrimSpace(a))] = true
		}
	}
}

// WithRetryFor sets how long an unmatched message stays in the inbox.
func WithRetryFor(d time.Duration) Option {
	return func(p *Processor) { p.retryFor = d }
}

// WithMetrics counts handled messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a Processor.
func New(linker Linker, props booking.Directory, logger *logging.Logger, opts ...Option) *Processor {
	p := &Processor{
		linker:   linker,
		props:    props,
		logger:   logging.OrNop(logger).Component("email"),
		now:      time.Now,
		retryFor: 72 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply records what m carries. propertyID may be empty, in which case the
// property is taken from the matching booking or, with a single configured
// property, from the directory. Confirmations that match no booking yet
// return an error wrapping financial.ErrNoBooking.
func (p *Processor) Apply(ctx context.Context, m Message, propertyID string) (Outcome, error) {
	out := Outcome{Kind: m.Kind, Result: ResultIgnored}
	log := p.logger.With("kind", m.Kind, "message_id", m.ID, "confirmation_code", m.ConfirmationCode)

	switch m.Kind {
	case KindConfirmation:
		if m.ConfirmationCode == "" && m.Stay.IsZero() {
			return out, fmt.Errorf("confirmation has neither code nor stay dates")
		}
		b, err := p.linker.Enrich(ctx, financial.Enrichment{
			PropertyID:       propertyID,
			Stay:             m.Stay,
			GuestName:        m.GuestName,
			ConfirmationCode: m.ConfirmationCode,
			PayoutCents:      m.AmountCents,
		})
		if err != nil {
			return out, err
		}
		out.Result, out.BookingID = ResultApplied, b.ID
		log.Info("booking enriched from email", "property", b.PropertyID, "booking_id", b.ID, "guest", m.GuestName)

	case KindPayout:
		if m.AmountCents == nil {
			return out, fmt.Errorf("payout email has no amount")
		}
		prop, err := p.resolveProperty(ctx, propertyID, m)
		if err != nil {
			return out, err
		}
		date := m.Date
		if date.IsZero() {
			date = p.now()
		}
		payout, err := p.linker.RecordPayout(ctx, booking.Payout{
			PropertyID:       prop,
			AmountCents:      *m.AmountCents,
			PayoutDate:       booking.Day(date),
			ConfirmationCode: m.ConfirmationCode,
			Stay:             m.Stay,
			Source:           booking.SourceEmail,
		})
		if err != nil {
			return out, err
		}
		out.Result, out.PayoutID, out.Linked = ResultApplied, payout.ID, payout.Linked()
		if payout.Linked() {
			out.BookingID = *payout.BookingID
		}
		log.Info("payout recorded from email", "property", prop, "payout_id", payout.ID, "amount_cents", payout.AmountCents, "linked", payout.Linked())

	case KindCancellation:
		// The feed decides cancellation; the email only confirms it.
		if m.ConfirmationCode == "" {
			break
		}
		b, err := p.linker.Lookup(ctx, propertyID, m.ConfirmationCode, booking.DateRange{})
		if errors.Is(err, financial.ErrNoBooking) {
			log.Info("cancellation email for unknown booking")
			break
		}
		if err != nil {
			return out, err
		}
		out.Result, out.BookingID = ResultApplied, b.ID
		log.Info("cancellation email received, awaiting feed", "property", b.PropertyID, "booking_id", b.ID)

	default:
		log.Debug("email not actionable", "subject", m.Subject)
	}
	return out, nil
}

func (p *Processor) resolveProperty(ctx context.Context, propertyID string, m Message) (string, error) {
	if propertyID != "" {
		return propertyID, nil
	}
	if m.ConfirmationCode != "" || !m.Stay.IsZero() {
		b, err := p.linker.Lookup(ctx, "", m.ConfirmationCode, m.Stay)
		if err == nil {
			return b.PropertyID, nil
		}
		if !errors.Is(err, financial.ErrNoBooking) {
			return "", err
		}
	}
	if len(p.props) == 1 {
		for id := range p.props {
			return id, nil
		}
	}
	return "", fmt.Errorf("cannot tell which property the payout belongs to: %w", financial.ErrNoBooking)
}

// ApplyFile reads one message file and applies it.
func (p *Processor) ApplyFile(ctx context.Context, path, propertyID string) (Message, Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return Message{}, Outcome{}, err
	}
	defer f.Close()

	m, err := Read(f)
	if err != nil {
		return Message{}, Outcome{}, fmt.Errorf("%s: %w", path, err)
	}
	out, err := p.Apply(ctx, m, propertyID)
	return m, out, err
}

// Summary counts the messages one inbox pass handled.
type Summary struct {
	Applied   int
	Ignored   int
	Unmatched int
	Failed    int
	Waiting   int
}

// ProcessInbox handles every message file in dir. Handled files move into a
// subdirectory named for their result. A message that matches no booking is
// left in place for the next pass until RetryFor has elapsed since it arrived.
func (p *Processor) ProcessInbox(ctx context.Context, dir string) (Summary, error) {
	var sum Summary
	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("read inbox: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		log := p.logger.With("file", e.Name())

		m, out, err := p.applyInboxFile(ctx, path)
		switch {
		case err == nil && out.Result == ResultApplied:
			sum.Applied++
			p.metrics.IncEmail(string(m.Kind), ResultApplied)
			err = moveTo(dir, DirProcessed, e.Name())
		case err == nil:
			sum.Ignored++
			p.metrics.IncEmail(string(m.Kind), ResultIgnored)
			err = moveTo(dir, DirProcessed, e.Name())
		case errors.Is(err, financial.ErrNoBooking):
			if p.expired(e, m) {
				sum.Unmatched++
				log.Warn("email never matched a booking", "error", err)
				p.metrics.IncEmail(string(m.Kind), ResultUnmatched)
				err = moveTo(dir, DirUnmatched, e.Name())
			} else {
				sum.Waiting++
				log.Debug("email waiting for its booking", "error", err)
				continue
			}
		default:
			sum.Failed++
			log.Error("email processing failed", "error", err)
			p.metrics.IncEmail(string(m.Kind), ResultFailed)
			err = moveTo(dir, DirFailed, e.Name())
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if sum.Applied+sum.Unmatched+sum.Failed > 0 {
		p.logger.Info("inbox processed",
			"applied", sum.Applied,
			"ignored", sum.Ignored,
			"unmatched", sum.Unmatched,
			"failed", sum.Failed,
			"waiting", sum.Waiting)
	}
	return sum, errors.Join(errs...)
}

func (p *Processor) applyInboxFile(ctx context.Context, path string) (Message, Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return Message{}, Outcome{}, err
	}
	defer f.Close()

	m, err := Read(f)
	if err != nil {
		return Message{}, Outcome{}, err
	}
	if len(p.senders) > 0 && !p.senders[m.From] {
		p.logger.Debug("sender not allowed", "from", m.From)
		return m, Outcome{Kind: m.Kind, Result: ResultIgnored}, nil
	}
	out, err := p.Apply(ctx, m, "")
	return m, out, err
}

// expired reports whether an unmatched message has waited long enough.
func (p *Processor) expired(e os.DirEntry, m Message) bool {
	arrived := m.Date
	if arrived.IsZero() {
		info, err := e.Info()
		if err != nil {
			return true
		}
		arrived = info.ModTime()
	}
	return p.now().Sub(arrived) >= p.retryFor
}

func moveTo(dir, sub, name string) error {
	target := filepath.Join(dir, sub)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return os.Rename(filepath.Join(dir, name), filepath.Join(target, name))
}
