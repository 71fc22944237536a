package booking

import "time"

// TaskStatus is the lifecycle of a cleaning task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskNotified  TaskStatus = "notified"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// Open reports whether the task still needs doing.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskNotified
}

// Priority of a cleaning task.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// CleaningTask is the turnover clean after a booking checks out.
type CleaningTask struct {
	ID            int64      `json:"id"`
	BookingID     int64      `json:"booking_id"`
	PropertyID    string     `json:"property_id"`
	ScheduledDate time.Time  `json:"scheduled_date"`
	Status        TaskStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	IsTurnover    bool       `json:"is_turnover"`
	NotifiedAt    *time.Time `json:"notified_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskFilter narrows task listings. Zero fields match everything.
type TaskFilter struct {
	PropertyID string
	BookingID  int64
	Statuses   []TaskStatus
	// DueBy keeps tasks scheduled on or before the date.
	DueBy time.Time
	// On keeps tasks scheduled exactly on the date.
	On time.Time
}

// Match reports whether t passes the filter.
func (f TaskFilter) Match(t CleaningTask) bool {
	if f.PropertyID != "" && t.PropertyID != f.PropertyID {
		return false
	}
	if f.BookingID != 0 && t.BookingID != f.BookingID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.DueBy.IsZero() && t.ScheduledDate.After(Day(f.DueBy)) {
		return false
	}
	if !f.On.IsZero() && !t.ScheduledDate.Equal(Day(f.On)) {
		return false
	}
	return true
}

// MessageStatus is the lifecycle of a guest message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageCopied    MessageStatus = "copied"
	MessageCancelled MessageStatus = "cancelled"
)

// Live reports whether the message counts against de-duplication.
func (s MessageStatus) Live() bool {
	return s == MessageQueued || s == MessageSent || s == MessageCopied
}

// Message is a rendered guest message waiting for the host.
type Message struct {
	ID         int64         `json:"id"`
	BookingID  int64         `json:"booking_id"`
	PropertyID string        `json:"property_id"`
	Template   string        `json:"template"`
	Channel    string        `json:"channel"`
	Body       string        `json:"body"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Payout is money received for a stay, possibly before its booking is known.
type Payout struct {
	ID               int64      `json:"id"`
	PropertyID       string     `json:"property_id"`
	BookingID        *int64     `json:"booking_id,omitempty"`
	AmountCents      int64      `json:"amount_cents"`
	PayoutDate       time.Time  `json:"payout_date"`
	ConfirmationCode string     `json:"confirmation_code,omitempty"`
	Stay             DateRange  `json:"stay"`
	Source           Source     `json:"source"`
	LinkedAt         *time.Time `json:"linked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Linked reports whether the payout is attached to a booking.
func (p Payout) Linked() bool {
	return p.BookingID != nil
}

// TriggerKind names a one-shot time trigger fired for a booking.
type TriggerKind string

const (
	TriggerCheckInInstructions TriggerKind = "check_in_instructions"
	TriggerCheckoutReminder    TriggerKind = "checkout_reminder"
	TriggerReviewRequest       TriggerKind = "review_request"
	TriggerCleanerNotified     TriggerKind = "cleaner_notified"
	TriggerMorningReminder     TriggerKind = "morning_reminder"
)

// PollStatus is the outcome history of polling one property's feed.
type PollStatus struct {
	PropertyID          string     `json:"property_id"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastEventCount      int        `json:"last_event_count"`
	LastSeq             int64      `json:"last_seq"`
}

// Stale reports whether the last success is older than maxAge at now.
func (p PollStatus) Stale(now time.Time, maxAge time.Duration) bool {
	if p.LastSuccessAt == nil {
		return true
	}
	return now.Sub(*p.LastSuccessAt) > maxAge
}
