package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDay(s)
	require.NoError(t, err)
	return d
}

func TestDateRangeValid(t *testing.T) {
	r := DateRange{CheckIn: day(t, "2026-02-01"), CheckOut: day(t, "2026-02-05")}
	assert.True(t, r.Valid())
	assert.Equal(t, 4, r.Nights())
	assert.Equal(t, "2026-02-01..2026-02-05", r.String())

	same := DateRange{CheckIn: r.CheckIn, CheckOut: r.CheckIn}
	assert.False(t, same.Valid())

	reversed := DateRange{CheckIn: r.CheckOut, CheckOut: r.CheckIn}
	assert.False(t, reversed.Valid())
}

func TestNewDateRangeDropsClock(t *testing.T) {
	in := time.Date(2026, 2, 1, 15, 30, 0, 0, time.UTC)
	out := time.Date(2026, 2, 5, 11, 0, 0, 0, time.UTC)
	r := NewDateRange(in, out)
	assert.True(t, r.Equal(DateRange{CheckIn: day(t, "2026-02-01"), CheckOut: day(t, "2026-02-05")}))
}

func TestMarkMissingKeepsFirstTimestamp(t *testing.T) {
	var b Booking
	first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	b.MarkMissing(first)
	b.MarkMissing(first.Add(15 * time.Minute))

	require.NotNil(t, b.MissingSince)
	assert.Equal(t, first, *b.MissingSince)
	assert.Equal(t, 2, b.MissingPolls)
	assert.True(t, b.Missing())

	b.ClearMissing()
	assert.False(t, b.Missing())
	assert.Zero(t, b.MissingPolls)
}

func TestFilterMatch(t *testing.T) {
	b := Booking{
		PropertyID: "cabin",
		Status:     StatusConfirmed,
		Range:      DateRange{CheckIn: day(t, "2026-02-01"), CheckOut: day(t, "2026-02-05")},
	}
	assert.True(t, Filter{}.Match(b))
	assert.True(t, Filter{PropertyID: "cabin", Statuses: ActiveStatuses()}.Match(b))
	assert.False(t, Filter{PropertyID: "loft"}.Match(b))
	assert.False(t, Filter{Statuses: []Status{StatusCancelled}}.Match(b))
	assert.True(t, Filter{CheckOutFrom: day(t, "2026-02-05")}.Match(b))
	assert.False(t, Filter{CheckOutFrom: day(t, "2026-02-06")}.Match(b))
}

func TestTaskFilterMatch(t *testing.T) {
	task := CleaningTask{PropertyID: "cabin", BookingID: 7, Status: TaskPending, ScheduledDate: day(t, "2026-02-05")}
	assert.True(t, TaskFilter{DueBy: day(t, "2026-02-05")}.Match(task))
	assert.False(t, TaskFilter{DueBy: day(t, "2026-02-04")}.Match(task))
	assert.True(t, TaskFilter{On: day(t, "2026-02-05"), BookingID: 7}.Match(task))
	assert.False(t, TaskFilter{Statuses: []TaskStatus{TaskCancelled}}.Match(task))
}

func TestPropertyClockTimes(t *testing.T) {
	p := Property{ID: "cabin"}
	loc := time.FixedZone("EST", -5*60*60)

	in, err := p.CheckInAt(day(t, "2026-07-01"), loc)
	require.NoError(t, err)
	assert.Equal(t, 15, in.Hour())
	assert.Equal(t, loc, in.Location())

	p.CheckOutTime = "10:30"
	out, err := p.CheckOutAt(day(t, "2026-07-04"), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 4, 10, 30, 0, 0, time.UTC), out)

	p.CheckInTime = "3pm"
	_, err = p.CheckInAt(day(t, "2026-07-01"), nil)
	assert.Error(t, err)
}

func TestDirectoryEnabledSorted(t *testing.T) {
	dir := NewDirectory([]Property{
		{ID: "loft", Name: "Downtown Loft"},
		{ID: "cabin"},
		{ID: "old", Disabled: true},
	})
	props := dir.Enabled()
	require.Len(t, props, 2)
	assert.Equal(t, "cabin", props[0].ID)
	assert.Equal(t, "Downtown Loft", dir.Name("loft"))
	assert.Equal(t, "cabin", dir.Name("cabin"))
}

func TestPollStatusStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, PollStatus{}.Stale(now, time.Hour))

	recent := now.Add(-10 * time.Minute)
	assert.False(t, PollStatus{LastSuccessAt: &recent}.Stale(now, time.Hour))

	old := now.Add(-2 * time.Hour)
	assert.True(t, PollStatus{LastSuccessAt: &old}.Stale(now, time.Hour))
}

func TestIsPersistence(t *testing.T) {
	err := &PersistenceError{Op: "reconcile", Err: ErrDuplicate}
	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.False(t, IsPersistence(ErrNotFound))
}
