package termin

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
)

// ErrInvalidCriteria is returned when filter criteria fail validation.
var ErrInvalidCriteria = errors.New("invalid filter criteria")

var clockRegex = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// TimeRange is an inclusive window of local wall-clock time, formatted HH:MM.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Bounds returns the range as minutes since midnight.
func (r TimeRange) Bounds() (start, end int, err error) {
	if start, err = ParseClock(r.Start); err != nil {
		return 0, 0, err
	}
	if end, err = ParseClock(r.End); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Contains reports whether minute-of-day m falls inside the range.
// Malformed ranges contain nothing.
func (r TimeRange) Contains(m int) bool {
	start, end, err := r.Bounds()
	if err != nil {
		return false
	}
	return m >= start && m <= end
}

// ParseClock parses a zero-padded 24h HH:MM string into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := clockRegex.FindStringSubmatch(s)
	if parts == nil {
		return 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidCriteria, s)
	}
	h, _ := strconv.Atoi(parts[1])
	m, _ := strconv.Atoi(parts[2])
	return h*60 + m, nil
}

// FilterCriteria narrows which slots a subscription is notified about.
// Empty lists mean "no restriction".
type FilterCriteria struct {
	EnabledDays       []int       `json:"enabledDays"`
	AllowedLocations  []int       `json:"allowedLocations"`
	TimeRanges        []TimeRange `json:"timeRanges"`
	AppointmentTypeID int         `json:"appointmentTypeId"`
	Enabled           bool        `json:"enabled"`
}

// Validate checks day numbers and time range syntax.
func (c FilterCriteria) Validate() error {
	for _, d := range c.EnabledDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day %d outside 0-6", ErrInvalidCriteria, d)
		}
	}
	for _, r := range c.TimeRanges {
		start, end, err := r.Bounds()
		if err != nil {
			return err
		}
		if start > end {
			return fmt.Errorf("%w: range %s-%s starts after it ends", ErrInvalidCriteria, r.Start, r.End)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c FilterCriteria) Clone() FilterCriteria {
	c.EnabledDays = slices.Clone(c.EnabledDays)
	c.AllowedLocations = slices.Clone(c.AllowedLocations)
	c.TimeRanges = slices.Clone(c.TimeRanges)
	return c
}

// CriteriaPatch is a partial update; nil fields are left unchanged.
type CriteriaPatch struct {
	EnabledDays      *[]int       `json:"enabledDays,omitempty"`
	AllowedLocations *[]int       `json:"allowedLocations,omitempty"`
	TimeRanges       *[]TimeRange `json:"timeRanges,omitempty"`
	Enabled          *bool        `json:"enabled,omitempty"`
}

// Merge applies p on top of c and returns the result.
func (c FilterCriteria) Merge(p CriteriaPatch) FilterCriteria {
	out := c.Clone()
	if p.EnabledDays != nil {
		out.EnabledDays = slices.Clone(*p.EnabledDays)
	}
	if p.AllowedLocations != nil {
		out.AllowedLocations = slices.Clone(*p.AllowedLocations)
	}
	if p.TimeRanges != nil {
		out.TimeRanges = slices.Clone(*p.TimeRanges)
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	return out
}
