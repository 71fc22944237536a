package feed

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/pearcec/proppilot/internal/booking"
)

// Interval is one busy block from a feed.
type Interval struct {
	UID     string
	Range   booking.DateRange
	Summary string
	Status  booking.Status
}

// Parse reads an iCalendar document and returns one interval per VEVENT that
// carries a UID, DTSTART and DTEND. Events missing any of them are skipped and
// counted. Interval ordering follows the document and STATUS:CANCELLED entries
// are kept so Collapse can apply them; see Active.
//
// A document cut off before END:VCALENDAR is rejected as a whole: a partial
// snapshot would push the missing bookings toward cancellation.
func Parse(r io.Reader) ([]Interval, int, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read feed: %w", err)
	}
	trimmed := bytes.Trim(body, "\ufeff \t\r\n")
	upper := bytes.ToUpper(trimmed)
	if !bytes.HasPrefix(upper, []byte("BEGIN:VCALENDAR")) {
		return nil, 0, fmt.Errorf("not an iCalendar document")
	}
	if !bytes.HasSuffix(upper, []byte("END:VCALENDAR")) {
		return nil, 0, fmt.Errorf("truncated calendar: missing END:VCALENDAR")
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(trimmed))
	if err != nil {
		return nil, 0, fmt.Errorf("parse calendar: %w", err)
	}

	var out []Interval
	skipped := 0
	for _, ev := range cal.Events() {
		if ev == nil {
			return nil, 0, fmt.Errorf("truncated calendar: unterminated VEVENT")
		}
		iv, ok := intervalFromEvent(ev)
		if !ok {
			skipped++
			continue
		}
		out = append(out, iv)
	}
	return out, skipped, nil
}

// Active drops intervals whose status frees the dates. Apply it after
// Collapse so a later cancelled entry overrides an earlier confirmed one.
func Active(intervals []Interval) []Interval {
	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Status == booking.StatusCancelled {
			continue
		}
		out = append(out, iv)
	}
	return out
}

func intervalFromEvent(ev *ics.VEvent) (Interval, bool) {
	uid := propValue(ev, ics.ComponentPropertyUniqueId)
	if uid == "" {
		return Interval{}, false
	}
	start, ok := propDate(ev, ics.ComponentPropertyDtStart)
	if !ok {
		return Interval{}, false
	}
	end, ok := propDate(ev, ics.ComponentPropertyDtEnd)
	if !ok {
		return Interval{}, false
	}

	status := booking.StatusConfirmed
	switch strings.ToUpper(propValue(ev, ics.ComponentPropertyStatus)) {
	case "TENTATIVE":
		status = booking.StatusTentative
	case "CANCELLED":
		status = booking.StatusCancelled
	}

	return Interval{
		UID:     uid,
		Range:   booking.DateRange{CheckIn: start, CheckOut: end},
		Summary: propValue(ev, ics.ComponentPropertySummary),
		Status:  status,
	}, true
}

func propValue(ev *ics.VEvent, name ics.ComponentProperty) string {
	p := ev.GetProperty(name)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// propDate reads a DATE or DATE-TIME property and keeps only its calendar
// date, resolved in the property's TZID when one is given.
func propDate(ev *ics.VEvent, name ics.ComponentProperty) (time.Time, bool) {
	p := ev.GetProperty(name)
	if p == nil {
		return time.Time{}, false
	}
	loc := time.UTC
	if tzid, ok := p.ICalParameters["TZID"]; ok && len(tzid) > 0 {
		if l, err := time.LoadLocation(tzid[0]); err == nil {
			loc = l
		}
	}
	t, err := parseICalTime(strings.TrimSpace(p.Value), loc)
	if err != nil {
		return time.Time{}, false
	}
	return booking.Day(t), true
}

func parseICalTime(value string, loc *time.Location) (time.Time, error) {
	switch {
	case len(value) == 8:
		return time.ParseInLocation("20060102", value, time.UTC)
	case strings.HasSuffix(value, "Z"):
		return time.Parse("20060102T150405Z", value)
	default:
		return time.ParseInLocation("20060102T150405", value, loc)
	}
}

// Collapse keeps one interval per UID. The last occurrence wins; the result
// keeps the position of each UID's first occurrence.
func Collapse(intervals []Interval) []Interval {
	index := make(map[string]int, len(intervals))
	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if i, ok := index[iv.UID]; ok {
			out[i] = iv
			continue
		}
		index[iv.UID] = len(out)
		out = append(out, iv)
	}
	return out
}
