package booking

import (
	"fmt"
	"sort"
	"time"
)

// Property is one managed listing and its calendar feed.
type Property struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Address      string `yaml:"address" json:"address,omitempty"`
	FeedURL      string `yaml:"feed_url" json:"feed_url"`
	CheckInTime  string `yaml:"checkin_time" json:"checkin_time"`
	CheckOutTime string `yaml:"checkout_time" json:"checkout_time"`
	Disabled     bool   `yaml:"disabled" json:"disabled,omitempty"`

	WifiPassword string `yaml:"wifi_password" json:"-"`
	LockboxCode  string `yaml:"lockbox_code" json:"-"`

	Cleaner Contact `yaml:"cleaner" json:"cleaner"`
}

// Contact is how a person is reached.
type Contact struct {
	Name  string `yaml:"name" json:"name,omitempty"`
	Phone string `yaml:"phone" json:"phone,omitempty"`
	Email string `yaml:"email" json:"email,omitempty"`
}

const (
	DefaultCheckInTime  = "15:00"
	DefaultCheckOutTime = "11:00"
)

// CheckInAt returns the check-in instant for a stay starting on day, in loc.
func (p Property) CheckInAt(day time.Time, loc *time.Location) (time.Time, error) {
	return atClock(day, p.CheckInTime, DefaultCheckInTime, loc)
}

// CheckOutAt returns the check-out instant for a stay ending on day, in loc.
func (p Property) CheckOutAt(day time.Time, loc *time.Location) (time.Time, error) {
	return atClock(day, p.CheckOutTime, DefaultCheckOutTime, loc)
}

func atClock(day time.Time, clock, fallback string, loc *time.Location) (time.Time, error) {
	if clock == "" {
		clock = fallback
	}
	if loc == nil {
		loc = time.UTC
	}
	hm, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", clock, err)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, hm.Hour(), hm.Minute(), 0, 0, loc), nil
}

// Directory looks properties up by ID.
type Directory map[string]Property

// NewDirectory indexes props by ID.
func NewDirectory(props []Property) Directory {
	dir := make(Directory, len(props))
	for _, p := range props {
		dir[p.ID] = p
	}
	return dir
}

// Get returns the property with id.
func (d Directory) Get(id string) (Property, bool) {
	p, ok := d[id]
	return p, ok
}

// Name returns the display name for id, falling back to the id itself.
func (d Directory) Name(id string) string {
	if p, ok := d[id]; ok && p.Name != "" {
		return p.Name
	}
	return id
}

// Enabled lists properties that are not disabled, sorted by ID.
func (d Directory) Enabled() []Property {
	props := make([]Property, 0, len(d))
	for _, p := range d {
		if !p.Disabled {
			props = append(props, p)
		}
	}
	sort.Slice(props, func(i, j int) bool { return props[i].ID < props[j].ID })
	return props
}
