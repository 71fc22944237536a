package comms

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
)

// Template names.
const (
	Welcome             = "welcome"
	CheckInInstructions = "check_in_instructions"
	CheckoutReminder    = "checkout_reminder"
	ReviewRequest       = "review_request"
)

var builtin = map[string]string{
	Welcome: `Hi {{.GuestName}},

Thank you for booking {{.PropertyName}}! We're looking forward to hosting you.

Check-in: {{.CheckIn}} after {{.CheckInTime}}
Check-out: {{.CheckOut}} by {{.CheckOutTime}}

We'll send check-in instructions the day before you arrive.`,

	CheckInInstructions: `Hi {{.GuestName}},

Your stay at {{.PropertyName}} starts tomorrow.

Address: {{.Address}}
Check-in time: {{.CheckInTime}}
Lockbox code: {{.LockboxCode}}
WiFi password: {{.WifiPassword}}

Safe travels!`,

	CheckoutReminder: `Hi {{.GuestName}},

A quick reminder that check-out is {{.CheckOut}} at {{.CheckOutTime}}.
Please leave the keys in the lockbox. Thanks for staying {{.Nights}} nights with us!`,

	ReviewRequest: `Hi {{.GuestName}},

Thanks again for staying at {{.PropertyName}}. If you enjoyed your stay, a review would mean a lot to us.`,
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(builtin))
	for name, text := range builtin {
		out[name] = template.Must(template.New(name).Option("missingkey=error").Parse(text))
	}
	return out
}()

// Context is what templates may reference.
type Context struct {
	GuestName        string
	PropertyName     string
	Address          string
	CheckIn          string
	CheckOut         string
	CheckInTime      string
	CheckOutTime     string
	WifiPassword     string
	LockboxCode      string
	Nights           int
	ConfirmationCode string
}

// NewContext fills a template context from a booking and its property.
func NewContext(b booking.Booking, p booking.Property) Context {
	return Context{
		GuestName:        orDefault(b.GuestName, "Guest"),
		PropertyName:     orDefault(p.Name, p.ID),
		Address:          p.Address,
		CheckIn:          b.Range.CheckIn.Format("January 02, 2006"),
		CheckOut:         b.Range.CheckOut.Format("January 02, 2006"),
		CheckInTime:      orDefault(p.CheckInTime, booking.DefaultCheckInTime),
		CheckOutTime:     orDefault(p.CheckOutTime, booking.DefaultCheckOutTime),
		WifiPassword:     orDefault(p.WifiPassword, "N/A"),
		LockboxCode:      orDefault(p.LockboxCode, "N/A"),
		Nights:           b.Range.Nights(),
		ConfirmationCode: b.ConfirmationCode,
	}
}

// Render returns the subject and body for a template.
func Render(name string, data Context) (string, string, error) {
	tmpl, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	return title(name) + " - " + data.PropertyName, buf.String(), nil
}

// title turns check_in_instructions into Check In Instructions.
func title(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Windows bound when each timed message becomes due.
type Windows struct {
	// CheckIn is how long before check-in instructions go out.
	CheckIn time.Duration
	// Checkout is how long before check-out the reminder goes out.
	Checkout time.Duration
	// Review is how long after check-out a review may still be requested.
	Review time.Duration
}

// DefaultWindows are 24h, 18h and 48h.
func DefaultWindows() Windows {
	return Windows{CheckIn: 24 * time.Hour, Checkout: 18 * time.Hour, Review: 48 * time.Hour}
}
