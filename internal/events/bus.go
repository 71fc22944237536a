package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/pearcec/proppilot/internal/logging"
)

// Handler processes one event. A returned error or a panic is reported as a
// SubscriberError and does not stop delivery to other handlers.
type Handler func(ctx context.Context, ev Event) error

// Token identifies a subscription.
type Token uint64

// SubscriberError is a handler failure caught by the bus.
type SubscriberError struct {
	Token      Token
	Subscriber string
	Event      Event
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s (%d) failed on %s seq %d: %v",
		e.Subscriber, e.Token, e.Event.Kind, e.Event.Seq, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// Result summarises one Publish.
type Result struct {
	Delivered int
	Errors    []*SubscriberError
}

type subscription struct {
	token   Token
	name    string
	filter  Filter
	handler Handler
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithName labels the subscription in logs and metrics.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Bus is a synchronous in-process publish/subscribe bus.
//
// Handlers must not call Publish on the same bus; the nested delivery would
// interleave with the outer one and break per-property ordering.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	next    Token
	closed  bool
	logger  *logging.Logger
	onError func(*SubscriberError)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithErrorHook calls fn for every caught subscriber failure.
func WithErrorHook(fn func(*SubscriberError)) BusOption {
	return func(b *Bus) { b.onError = fn }
}

// NewBus creates an empty bus.
func NewBus(logger *logging.Logger, opts ...BusOption) *Bus {
	b := &Bus{logger: logging.OrNop(logger).Component("events")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events matching filter and returns a token
// for Unsubscribe.
func (b *Bus) Subscribe(filter Filter, handler Handler, opts ...SubscribeOption) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := subscription{token: b.next, filter: filter, handler: handler}
	for _, opt := range opts {
		opt(&sub)
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("subscriber-%d", sub.token)
	}
	b.subs = append(b.subs, sub)
	return sub.token
}

// Unsubscribe removes a subscription. It reports whether the token was known.
func (b *Bus) Unsubscribe(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.token == token {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every matching subscription in registration order
// and returns once all of them have run.
func (b *Bus) Publish(ctx context.Context, ev Event) Result {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Result{}
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var res Result
	for _, s := range subs {
		if !s.filter.Match(ev) {
			continue
		}
		if err := b.deliver(ctx, s, ev); err != nil {
			serr := &SubscriberError{Token: s.token, Subscriber: s.name, Event: ev, Err: err}
			res.Errors = append(res.Errors, serr)
			b.logger.Error("subscriber failed",
				"subscriber", s.name,
				"kind", ev.Kind,
				"property", ev.PropertyID,
				"external_uid", ev.ExternalUID,
				"seq", ev.Seq,
				"cycle", ev.OccurredAt,
				"error", err)
			if b.onError != nil {
				b.onError(serr)
			}
			continue
		}
		res.Delivered++
	}
	return res
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

// Close stops delivery. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
