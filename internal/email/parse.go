// Package email reads booking platform notification emails and turns them
// into enrichments and payouts.
//
// The calendar feed carries only dates. Guest names, confirmation codes and
// payout amounts arrive by email, one RFC 5322 message per file.
package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pearcec/proppilot/internal/booking"
)

// Kind classifies a message by its subject.
type Kind string

const (
	KindConfirmation Kind = "booking_confirmation"
	KindPayout       Kind = "payout"
	KindCancellation Kind = "cancellation"
	KindGuestMessage Kind = "guest_message"
	KindUnknown      Kind = "unknown"
)

// Checked in order; the first match wins.
var subjectPatterns = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindConfirmation, regexp.MustCompile(`(?i)reservation confirmed|booking confirmed|you have a new reservation`)},
	{KindPayout, regexp.MustCompile(`(?i)payout|payment.*(?:sent|processed|completed)`)},
	{KindCancellation, regexp.MustCompile(`(?i)cancel`)},
	{KindGuestMessage, regexp.MustCompile(`(?i)message from|sent you a message`)},
}

var (
	codeRe        = regexp.MustCompile(`(?i:confirmation code)[:\s]*([A-Z0-9]{8,12})\b`)
	reservationRe = regexp.MustCompile(`(?i:reservation)[:\s]+([A-Z0-9]{8,12})\b`)
	guestRe       = regexp.MustCompile(`(?:Guest|from)[:\s]+([A-Z][a-z]+ [A-Z][a-z]+)`)
	amountRe      = regexp.MustCompile(`\$\s*(\d[\d,]*(?:\.\d{1,2})?)`)
	checkInRe     = regexp.MustCompile(`(?i:check-in|checkin|arrival)[:\s]*([A-Za-z]+ \d{1,2},?\s*\d{4})`)
	checkOutRe    = regexp.MustCompile(`(?i:check-out|checkout|departure)[:\s]*([A-Za-z]+ \d{1,2},?\s*\d{4})`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

var dateLayouts = []string{"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006"}

// Message is what the parser learned from one email.
type Message struct {
	ID      string
	From    string
	Subject string
	Date    time.Time
	Kind    Kind

	GuestName        string
	ConfirmationCode string
	Stay             booking.DateRange
	// AmountCents is the first dollar amount in the body, if any.
	AmountCents *int64
}

// Classify maps a subject line to a Kind.
func Classify(subject string) Kind {
	for _, p := range subjectPatterns {
		if p.re.MatchString(subject) {
			return p.kind
		}
	}
	return KindUnknown
}

// Extract classifies subject and pulls booking details out of body.
func Extract(subject, body string) Message {
	m := Message{Subject: subject, Kind: Classify(subject)}

	if g := codeRe.FindStringSubmatch(body); g != nil {
		m.ConfirmationCode = g[1]
	} else if g := reservationRe.FindStringSubmatch(body); g != nil {
		m.ConfirmationCode = g[1]
	}
	if g := guestRe.FindStringSubmatch(body); g != nil {
		m.GuestName = g[1]
	}
	if g := amountRe.FindStringSubmatch(body); g != nil {
		if cents, err := ParseCents(g[1]); err == nil {
			m.AmountCents = &cents
		}
	}

	var in, out time.Time
	if g := checkInRe.FindStringSubmatch(body); g != nil {
		in, _ = ParseDate(g[1])
	}
	if g := checkOutRe.FindStringSubmatch(body); g != nil {
		out, _ = ParseDate(g[1])
	}
	if !in.IsZero() && out.After(in) {
		m.Stay = booking.NewDateRange(in, out)
	}
	return m
}

// ParseDate reads dates like "February 1, 2026" or "Feb 1 2026".
func ParseDate(s string) (time.Time, error) {
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return booking.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseCents reads a dollar amount such as "1,480.50" as cents.
func ParseCents(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "$"), ",", "")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || len(frac) > 2 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	dollars, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return dollars*100 + cents, nil
}

// Read parses a raw message and extracts its details.
func Read(r io.Reader) (Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	body, err := textBody(msg.Header, msg.Body)
	if err != nil {
		return Message{}, err
	}

	m := Extract(subject, body)
	m.ID = strings.Trim(msg.Header.Get("Message-Id"), "<> ")
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		m.From = strings.ToLower(addr.Address)
	}
	if d, err := msg.Header.Date(); err == nil {
		m.Date = d
	}
	return m, nil
}

type header interface {
	Get(key string) string
}

// textBody returns the first text/plain part, falling back to text/html with
// tags stripped.
func textBody(h header, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var html string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("read multipart body: %w", err)
			}
			text, err := textBody(part.Header, part)
			if err != nil {
				return "", err
			}
			pt, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if err != nil {
				pt = "text/plain"
			}
			switch {
			case pt == "text/plain" || strings.HasPrefix(pt, "multipart/"):
				if text != "" {
					return text, nil
				}
			case pt == "text/html" && html == "":
				html = text
			}
		}
		return html, nil
	}

	// multipart.Part already undoes quoted-printable.
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if mediaType == "text/html" {
		return stripTags(data), nil
	}
	return string(data), nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripTags(b []byte) string {
	return string(bytes.TrimSpace(tagRe.ReplaceAll(b, []byte(" "))))
}
