// Package memory is an in-process booking.Store. Update runs against a copy
// of the state and swaps it in on success, so a failed transaction leaves no
// trace. It backs tests and runs with no database configured.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
)

type fireKey struct {
	bookingID int64
	kind      booking.TriggerKind
}

type uidKey struct {
	propertyID string
	uid        string
}

type state struct {
	bookings map[int64]booking.Booking
	byUID    map[uidKey]int64
	seqs     map[string]int64
	tasks    map[int64]booking.CleaningTask
	messages map[int64]booking.Message
	fires    map[fireKey]time.Time
	payouts  map[int64]booking.Payout
	polls    map[string]booking.PollStatus
	nextID   int64
}

func newState() *state {
	return &state{
		bookings: make(map[int64]booking.Booking),
		byUID:    make(map[uidKey]int64),
		seqs:     make(map[string]int64),
		tasks:    make(map[int64]booking.CleaningTask),
		messages: make(map[int64]booking.Message),
		fires:    make(map[fireKey]time.Time),
		payouts:  make(map[int64]booking.Payout),
		polls:    make(map[string]booking.PollStatus),
	}
}

func (s *state) clone() *state {
	c := &state{
		bookings: make(map[int64]booking.Booking, len(s.bookings)),
		byUID:    make(map[uidKey]int64, len(s.byUID)),
		seqs:     make(map[string]int64, len(s.seqs)),
		tasks:    make(map[int64]booking.CleaningTask, len(s.tasks)),
		messages: make(map[int64]booking.Message, len(s.messages)),
		fires:    make(map[fireKey]time.Time, len(s.fires)),
		payouts:  make(map[int64]booking.Payout, len(s.payouts)),
		polls:    make(map[string]booking.PollStatus, len(s.polls)),
		nextID:   s.nextID,
	}
	for k, v := range s.bookings {
		c.bookings[k] = copyBooking(v)
	}
	for k, v := range s.byUID {
		c.byUID[k] = v
	}
	for k, v := range s.seqs {
		c.seqs[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = v
	}
	for k, v := range s.fires {
		c.fires[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.polls {
		c.polls[k] = v
	}
	return c
}

// copyBooking detaches pointer fields so callers cannot reach stored state.
func copyBooking(b booking.Booking) booking.Booking {
	if b.MissingSince != nil {
		t := *b.MissingSince
		b.MissingSince = &t
	}
	if b.PayoutCents != nil {
		v := *b.PayoutCents
		b.PayoutCents = &v
	}
	return b
}

// Store keeps all state in memory behind a single mutex.
type Store struct {
	mu     sync.Mutex
	state  *state
	faults map[string]error
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		state:  newState(),
		faults: make(map[string]error),
		now:    time.Now,
	}
}

// FailOn makes the named operation return err inside every later transaction.
// The op "commit" fails the transaction after fn succeeds. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Update runs fn against a private copy and publishes it when fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx booking.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, state: s.state.clone(), writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	if err := s.faults["commit"]; err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View runs fn against the current state without allowing writes.
func (s *Store) View(ctx context.Context, fn func(tx booking.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{store: s, state: s.state})
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var errReadOnly = errors.New("memory: write in read-only transaction")

type memTx struct {
	store    *Store
	state    *state
	writable bool
}

func (t *memTx) check(op string, write bool) error {
	if write && !t.writable {
		return errReadOnly
	}
	return t.store.faults[op]
}

func (t *memTx) id() int64 {
	t.state.nextID++
	return t.state.nextID
}

func (t *memTx) ListBookings(_ context.Context, f booking.Filter) ([]booking.Booking, error) {
	if err := t.check("ListBookings", false); err != nil {
		return nil, err
	}
	var out []booking.Booking
	for _, b := range t.state.bookings {
		if f.Match(b) {
			out = append(out, copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Range.CheckIn.Equal(out[j].Range.CheckIn) {
			return out[i].Range.CheckIn.Before(out[j].Range.CheckIn)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) GetBooking(_ context.Context, id int64) (booking.Booking, error) {
	if err := t.check("GetBooking", false); err != nil {
		return booking.Booking{}, err
	}
	b, ok := t.state.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return copyBooking(b), nil
}

func (t *memTx) BookingByUID(_ context.Context, propertyID, uid string) (booking.Booking, error) {
	if err := t.check("BookingByUID", false); err != nil {
		return booking.Booking{}, err
	}
	id, ok := t.state.byUID[uidKey{propertyID, uid}]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return copyBooking(t.state.bookings[id]), nil
}

func (t *memTx) InsertBooking(_ context.Context, b *booking.Booking) error {
	if err := t.check("InsertBooking", true); err != nil {
		return err
	}
	key := uidKey{b.PropertyID, b.ExternalUID}
	if _, exists := t.state.byUID[key]; exists {
		return booking.ErrDuplicate
	}
	now := t.store.now()
	b.ID = t.id()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	t.state.bookings[b.ID] = copyBooking(*b)
	t.state.byUID[key] = b.ID
	return nil
}

func (t *memTx) UpdateBooking(_ context.Context, b *booking.Booking) error {
	if err := t.check("UpdateBooking", true); err != nil {
		return err
	}
	old, ok := t.state.bookings[b.ID]
	if !ok {
		return booking.ErrNotFound
	}
	if old.PropertyID != b.PropertyID || old.ExternalUID != b.ExternalUID {
		return booking.ErrDuplicate
	}
	b.UpdatedAt = t.store.now()
	t.state.bookings[b.ID] = copyBooking(*b)
	return nil
}

func (t *memTx) NextSequence(_ context.Context, propertyID string) (int64, error) {
	if err := t.check("NextSequence", true); err != nil {
		return 0, err
	}
	t.state.seqs[propertyID]++
	return t.state.seqs[propertyID], nil
}

func (t *memTx) ListTasks(_ context.Context, f booking.TaskFilter) ([]booking.CleaningTask, error) {
	if err := t.check("ListTasks", false); err != nil {
		return nil, err
	}
	var out []booking.CleaningTask
	for _, task := range t.state.tasks {
		if f.Match(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) InsertTask(_ context.Context, task *booking.CleaningTask) error {
	if err := t.check("InsertTask", true); err != nil {
		return err
	}
	now := t.store.now()
	task.ID = t.id()
	task.CreatedAt = now
	task.UpdatedAt = now
	t.state.tasks[task.ID] = *task
	return nil
}

func (t *memTx) UpdateTask(_ context.Context, task *booking.CleaningTask) error {
	if err := t.check("UpdateTask", true); err != nil {
		return err
	}
	if _, ok := t.state.tasks[task.ID]; !ok {
		return booking.ErrNotFound
	}
	task.UpdatedAt = t.store.now()
	t.state.tasks[task.ID] = *task
	return nil
}

func (t *memTx) ListMessages(_ context.Context, bookingID int64) ([]booking.Message, error) {
	if err := t.check("ListMessages", false); err != nil {
		return nil, err
	}
	var out []booking.Message
	for _, m := range t.state.messages {
		if bookingID == 0 || m.BookingID == bookingID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertMessage(_ context.Context, m *booking.Message) error {
	if err := t.check("InsertMessage", true); err != nil {
		return err
	}
	now := t.store.now()
	m.ID = t.id()
	m.CreatedAt = now
	m.UpdatedAt = now
	t.state.messages[m.ID] = *m
	return nil
}

func (t *memTx) UpdateMessage(_ context.Context, m *booking.Message) error {
	if err := t.check("UpdateMessage", true); err != nil {
		return err
	}
	if _, ok := t.state.messages[m.ID]; !ok {
		return booking.ErrNotFound
	}
	m.UpdatedAt = t.store.now()
	t.state.messages[m.ID] = *m
	return nil
}

func (t *memTx) MarkFired(_ context.Context, bookingID int64, kind booking.TriggerKind, at time.Time) error {
	if err := t.check("MarkFired", true); err != nil {
		return err
	}
	key := fireKey{bookingID, kind}
	if _, ok := t.state.fires[key]; ok {
		return booking.ErrAlreadyFired
	}
	t.state.fires[key] = at
	return nil
}

func (t *memTx) HasFired(_ context.Context, bookingID int64, kind booking.TriggerKind) (bool, error) {
	if err := t.check("HasFired", false); err != nil {
		return false, err
	}
	_, ok := t.state.fires[fireKey{bookingID, kind}]
	return ok, nil
}

func (t *memTx) ClearFired(_ context.Context, bookingID int64, kind booking.TriggerKind) error {
	if err := t.check("ClearFired", true); err != nil {
		return err
	}
	delete(t.state.fires, fireKey{bookingID, kind})
	return nil
}

func (t *memTx) ListPayouts(_ context.Context, f booking.PayoutFilter) ([]booking.Payout, error) {
	if err := t.check("ListPayouts", false); err != nil {
		return nil, err
	}
	var out []booking.Payout
	for _, p := range t.state.payouts {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertPayout(_ context.Context, p *booking.Payout) error {
	if err := t.check("InsertPayout", true); err != nil {
		return err
	}
	p.ID = t.id()
	p.CreatedAt = t.store.now()
	t.state.payouts[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *booking.Payout) error {
	if err := t.check("UpdatePayout", true); err != nil {
		return err
	}
	if _, ok := t.state.payouts[p.ID]; !ok {
		return booking.ErrNotFound
	}
	t.state.payouts[p.ID] = *p
	return nil
}

func (t *memTx) GetPollStatus(_ context.Context, propertyID string) (booking.PollStatus, error) {
	if err := t.check("GetPollStatus", false); err != nil {
		return booking.PollStatus{}, err
	}
	p, ok := t.state.polls[propertyID]
	if !ok {
		return booking.PollStatus{}, booking.ErrNotFound
	}
	p.LastSeq = t.state.seqs[propertyID]
	return p, nil
}

func (t *memTx) ListPollStatuses(_ context.Context) ([]booking.PollStatus, error) {
	if err := t.check("ListPollStatuses", false); err != nil {
		return nil, err
	}
	out := make([]booking.PollStatus, 0, len(t.state.polls))
	for id, p := range t.state.polls {
		p.LastSeq = t.state.seqs[id]
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PropertyID < out[j].PropertyID })
	return out, nil
}

func (t *memTx) SavePollStatus(_ context.Context, p booking.PollStatus) error {
	if err := t.check("SavePollStatus", true); err != nil {
		return err
	}
	t.state.polls[p.PropertyID] = p
	return nil
}

var _ booking.Store = (*Store)(nil)
