// Package notify defines how PropPilot hands outbound notices to a delivery
// channel. Only a logging channel ships here; SMS and email adapters plug in
// behind Notifier.
package notify

import (
	"context"
	"sync"

	"github.com/pearcec/proppilot/internal/logging"
)

// Notice is one outbound notification.
type Notice struct {
	Kind       string // e.g. cleaner_notified, morning_reminder
	PropertyID string
	BookingID  int64
	To         string
	Subject    string
	Body       string
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice) error

func (f Func) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// LogNotifier writes notices to the log instead of delivering them.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger).Component("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	l.logger.Info("notice",
		"kind", n.Kind,
		"property", n.PropertyID,
		"booking_id", n.BookingID,
		"to", n.To,
		"subject", n.Subject)
	return nil
}

// Recorder keeps notices in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	Err     error
}

func (r *Recorder) Notify(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.notices = append(r.notices, n)
	return nil
}

// Notices returns a copy of what was recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}
