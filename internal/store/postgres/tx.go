package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pearcec/proppilot/internal/booking"
)

type pgTx struct {
	tx pgx.Tx
}

const bookingColumns = `id, property_id, external_uid, check_in, check_out, status, summary, source,
	guest_name, confirmation_code, payout_cents, last_seen_at, missing_since, missing_polls,
	created_at, updated_at`

func scanBooking(row pgx.Row) (booking.Booking, error) {
	var b booking.Booking
	var status, source string
	err := row.Scan(&b.ID, &b.PropertyID, &b.ExternalUID, &b.Range.CheckIn, &b.Range.CheckOut,
		&status, &b.Summary, &source, &b.GuestName, &b.ConfirmationCode, &b.PayoutCents,
		&b.LastSeenAt, &b.MissingSince, &b.MissingPolls, &b.CreatedAt, &b.UpdatedAt)
	b.Status = booking.Status(status)
	b.Source = booking.Source(source)
	return b, err
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (t *pgTx) ListBookings(ctx context.Context, f booking.Filter) ([]booking.Booking, error) {
	var w where
	if f.PropertyID != "" {
		w.add("property_id = $%d", f.PropertyID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.add("status = ANY($%d)", statuses)
	}
	if !f.CheckOutFrom.IsZero() {
		w.add("check_out >= $%d", booking.Day(f.CheckOutFrom))
	}

	rows, err := t.tx.Query(ctx, "SELECT "+bookingColumns+" FROM bookings"+w.String()+" ORDER BY check_in, id", w.args...)
	if err != nil {
		return nil, wrap("list bookings", err)
	}
	defer rows.Close()

	var out []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, wrap("scan booking", err)
		}
		out = append(out, b)
	}
	return out, wrap("list bookings", rows.Err())
}

func (t *pgTx) GetBooking(ctx context.Context, id int64) (booking.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id))
	return b, wrap("get booking", err)
}

func (t *pgTx) BookingByUID(ctx context.Context, propertyID, uid string) (booking.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx,
		"SELECT "+bookingColumns+" FROM bookings WHERE property_id = $1 AND external_uid = $2", propertyID, uid))
	return b, wrap("booking by uid", err)
}

func (t *pgTx) InsertBooking(ctx context.Context, b *booking.Booking) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO bookings (property_id, external_uid, check_in, check_out, status, summary, source,
			guest_name, confirmation_code, payout_cents, last_seen_at, missing_since, missing_polls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		b.PropertyID, b.ExternalUID, b.Range.CheckIn, b.Range.CheckOut, string(b.Status), b.Summary,
		string(b.Source), b.GuestName, b.ConfirmationCode, b.PayoutCents, b.LastSeenAt, b.MissingSince,
		b.MissingPolls,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	return wrap("insert booking", err)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b *booking.Booking) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE bookings SET check_in = $2, check_out = $3, status = $4, summary = $5, guest_name = $6,
			confirmation_code = $7, payout_cents = $8, last_seen_at = $9, missing_since = $10,
			missing_polls = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.Range.CheckIn, b.Range.CheckOut, string(b.Status), b.Summary, b.GuestName,
		b.ConfirmationCode, b.PayoutCents, b.LastSeenAt, b.MissingSince, b.MissingPolls,
	).Scan(&b.UpdatedAt)
	return wrap("update booking", err)
}

func (t *pgTx) NextSequence(ctx context.Context, propertyID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO property_sequences (property_id, last_seq) VALUES ($1, 1)
		ON CONFLICT (property_id) DO UPDATE SET last_seq = property_sequences.last_seq + 1
		RETURNING last_seq`, propertyID).Scan(&seq)
	return seq, wrap("next sequence", err)
}

const taskColumns = `id, booking_id, property_id, scheduled_date, status, priority, is_turnover,
	notified_at, created_at, updated_at`

func scanTask(row pgx.Row) (booking.CleaningTask, error) {
	var task booking.CleaningTask
	var status, priority string
	err := row.Scan(&task.ID, &task.BookingID, &task.PropertyID, &task.ScheduledDate, &status,
		&priority, &task.IsTurnover, &task.NotifiedAt, &task.CreatedAt, &task.UpdatedAt)
	task.Status = booking.TaskStatus(status)
	task.Priority = booking.Priority(priority)
	return task, err
}

func (t *pgTx) ListTasks(ctx context.Context, f booking.TaskFilter) ([]booking.CleaningTask, error) {
	var w where
	if f.PropertyID != "" {
		w.add("property_id = $%d", f.PropertyID)
	}
	if f.BookingID != 0 {
		w.add("booking_id = $%d", f.BookingID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.add("status = ANY($%d)", statuses)
	}
	if !f.DueBy.IsZero() {
		w.add("scheduled_date <= $%d", booking.Day(f.DueBy))
	}
	if !f.On.IsZero() {
		w.add("scheduled_date = $%d", booking.Day(f.On))
	}

	rows, err := t.tx.Query(ctx, "SELECT "+taskColumns+" FROM cleaning_tasks"+w.String()+" ORDER BY scheduled_date, id", w.args...)
	if err != nil {
		return nil, wrap("list tasks", err)
	}
	defer rows.Close()

	var out []booking.CleaningTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrap("scan task", err)
		}
		out = append(out, task)
	}
	return out, wrap("list tasks", rows.Err())
}

func (t *pgTx) InsertTask(ctx context.Context, task *booking.CleaningTask) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO cleaning_tasks (booking_id, property_id, scheduled_date, status, priority, is_turnover, notified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		task.BookingID, task.PropertyID, task.ScheduledDate, string(task.Status), string(task.Priority),
		task.IsTurnover, task.NotifiedAt,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	return wrap("insert task", err)
}

func (t *pgTx) UpdateTask(ctx context.Context, task *booking.CleaningTask) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE cleaning_tasks SET scheduled_date = $2, status = $3, priority = $4, is_turnover = $5,
			notified_at = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		task.ID, task.ScheduledDate, string(task.Status), string(task.Priority), task.IsTurnover, task.NotifiedAt,
	).Scan(&task.UpdatedAt)
	return wrap("update task", err)
}

func (t *pgTx) ListMessages(ctx context.Context, bookingID int64) ([]booking.Message, error) {
	var w where
	if bookingID != 0 {
		w.add("booking_id = $%d", bookingID)
	}
	rows, err := t.tx.Query(ctx, `SELECT id, booking_id, property_id, template, channel, body, status, created_at, updated_at
		FROM messages`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	var out []booking.Message
	for rows.Next() {
		var m booking.Message
		var status string
		if err := rows.Scan(&m.ID, &m.BookingID, &m.PropertyID, &m.Template, &m.Channel, &m.Body,
			&status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, wrap("scan message", err)
		}
		m.Status = booking.MessageStatus(status)
		out = append(out, m)
	}
	return out, wrap("list messages", rows.Err())
}

func (t *pgTx) InsertMessage(ctx context.Context, m *booking.Message) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO messages (booking_id, property_id, template, channel, body, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		m.BookingID, m.PropertyID, m.Template, m.Channel, m.Body, string(m.Status),
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	return wrap("insert message", err)
}

func (t *pgTx) UpdateMessage(ctx context.Context, m *booking.Message) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE messages SET body = $2, status = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		m.ID, m.Body, string(m.Status),
	).Scan(&m.UpdatedAt)
	return wrap("update message", err)
}

func (t *pgTx) MarkFired(ctx context.Context, bookingID int64, kind booking.TriggerKind, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO trigger_fires (booking_id, kind, fired_at) VALUES ($1, $2, $3)
		ON CONFLICT (booking_id, kind) DO NOTHING`, bookingID, string(kind), at)
	if err != nil {
		return wrap("mark fired", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrAlreadyFired
	}
	return nil
}

func (t *pgTx) HasFired(ctx context.Context, bookingID int64, kind booking.TriggerKind) (bool, error) {
	var fired bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trigger_fires WHERE booking_id = $1 AND kind = $2)`,
		bookingID, string(kind)).Scan(&fired)
	return fired, wrap("has fired", err)
}

func (t *pgTx) ClearFired(ctx context.Context, bookingID int64, kind booking.TriggerKind) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM trigger_fires WHERE booking_id = $1 AND kind = $2`, bookingID, string(kind))
	return wrap("clear fired", err)
}

func (t *pgTx) ListPayouts(ctx context.Context, f booking.PayoutFilter) ([]booking.Payout, error) {
	var w where
	if f.PropertyID != "" {
		w.add("property_id = $%d", f.PropertyID)
	}
	if f.BookingID != 0 {
		w.add("booking_id = $%d", f.BookingID)
	}
	if f.Unlinked {
		w.clauses = append(w.clauses, "booking_id IS NULL")
	}
	rows, err := t.tx.Query(ctx, `SELECT id, property_id, booking_id, amount_cents, payout_date, confirmation_code,
		stay_check_in, stay_check_out, source, linked_at, created_at
		FROM payouts`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, wrap("list payouts", err)
	}
	defer rows.Close()

	var out []booking.Payout
	for rows.Next() {
		var p booking.Payout
		var source string
		var stayIn, stayOut *time.Time
		if err := rows.Scan(&p.ID, &p.PropertyID, &p.BookingID, &p.AmountCents, &p.PayoutDate,
			&p.ConfirmationCode, &stayIn, &stayOut, &source, &p.LinkedAt, &p.CreatedAt); err != nil {
			return nil, wrap("scan payout", err)
		}
		p.Source = booking.Source(source)
		p.Stay = booking.DateRange{CheckIn: utcDay(stayIn), CheckOut: utcDay(stayOut)}
		out = append(out, p)
	}
	return out, wrap("list payouts", rows.Err())
}

func (t *pgTx) InsertPayout(ctx context.Context, p *booking.Payout) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payouts (property_id, booking_id, amount_cents, payout_date, confirmation_code,
			stay_check_in, stay_check_out, source, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		p.PropertyID, p.BookingID, p.AmountCents, p.PayoutDate, p.ConfirmationCode,
		nullDate(p.Stay.CheckIn), nullDate(p.Stay.CheckOut), string(p.Source), p.LinkedAt,
	).Scan(&p.ID, &p.CreatedAt)
	return wrap("insert payout", err)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *booking.Payout) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payouts SET booking_id = $2, amount_cents = $3, confirmation_code = $4, linked_at = $5
		WHERE id = $1`,
		p.ID, p.BookingID, p.AmountCents, p.ConfirmationCode, p.LinkedAt)
	if err != nil {
		return wrap("update payout", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotFound
	}
	return nil
}

const pollColumns = `p.property_id, p.last_attempt_at, p.last_success_at, p.last_error, p.consecutive_failures,
	p.last_event_count, COALESCE(s.last_seq, 0)`

func scanPoll(row pgx.Row) (booking.PollStatus, error) {
	var p booking.PollStatus
	err := row.Scan(&p.PropertyID, &p.LastAttemptAt, &p.LastSuccessAt, &p.LastError,
		&p.ConsecutiveFailures, &p.LastEventCount, &p.LastSeq)
	return p, err
}

func (t *pgTx) GetPollStatus(ctx context.Context, propertyID string) (booking.PollStatus, error) {
	p, err := scanPoll(t.tx.QueryRow(ctx, `SELECT `+pollColumns+`
		FROM poll_status p LEFT JOIN property_sequences s ON s.property_id = p.property_id
		WHERE p.property_id = $1`, propertyID))
	return p, wrap("get poll status", err)
}

func (t *pgTx) ListPollStatuses(ctx context.Context) ([]booking.PollStatus, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+pollColumns+`
		FROM poll_status p LEFT JOIN property_sequences s ON s.property_id = p.property_id
		ORDER BY p.property_id`)
	if err != nil {
		return nil, wrap("list poll status", err)
	}
	defer rows.Close()

	var out []booking.PollStatus
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, wrap("scan poll status", err)
		}
		out = append(out, p)
	}
	return out, wrap("list poll status", rows.Err())
}

func (t *pgTx) SavePollStatus(ctx context.Context, p booking.PollStatus) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO poll_status (property_id, last_attempt_at, last_success_at, last_error,
			consecutive_failures, last_event_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (property_id) DO UPDATE SET
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_success_at = EXCLUDED.last_success_at,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_event_count = EXCLUDED.last_event_count`,
		p.PropertyID, p.LastAttemptAt, p.LastSuccessAt, p.LastError, p.ConsecutiveFailures, p.LastEventCount)
	return wrap("save poll status", err)
}
