package events

import (
	"context"
	"sync"

	"github.com/pearcec/proppilot/internal/logging"
)

// Sequenced wraps h so that an event whose sequence number is not above the
// last one seen for its property is dropped. Subscribers that receive every
// kind also get a warning when numbers skip.
func Sequenced(h Handler, logger *logging.Logger) Handler {
	logger = logging.OrNop(logger)
	var mu sync.Mutex
	last := make(map[string]int64)

	return func(ctx context.Context, ev Event) error {
		mu.Lock()
		prev, seen := last[ev.PropertyID]
		if seen && ev.Seq <= prev {
			mu.Unlock()
			logger.Debug("duplicate event dropped", "property", ev.PropertyID, "seq", ev.Seq, "last", prev)
			return nil
		}
		if seen && ev.Seq > prev+1 {
			logger.Warn("event sequence gap", "property", ev.PropertyID, "expected", prev+1, "got", ev.Seq)
		}
		last[ev.PropertyID] = ev.Seq
		mu.Unlock()

		return h(ctx, ev)
	}
}
