// Package filter decides which appointment slots satisfy a subscription's criteria.
package filter

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"termin-notifier/pkg/termin"
)

var dayNames = [7]string{"So", "Mo", "Di", "Mi", "Do", "Fr", "Sa"}

// Matches reports whether slot satisfies every active criterion.
// Weekday and time of day are evaluated in loc. A slot without a timestamp
// passes the weekday and time checks.
func Matches(slot termin.Slot, c termin.FilterCriteria, loc *time.Location) bool {
	if len(c.AllowedLocations) > 0 && !slices.Contains(c.AllowedLocations, slot.LocationID) {
		return false
	}
	if !slot.Timestamp.Valid() {
		return true
	}

	t := slot.Timestamp.Time(loc)
	if len(c.EnabledDays) > 0 && !slices.Contains(c.EnabledDays, int(t.Weekday())) {
		return false
	}
	if len(c.TimeRanges) > 0 {
		minute := t.Hour()*60 + t.Minute()
		for _, r := range c.TimeRanges {
			if r.Contains(minute) {
				return true
			}
		}
		return false
	}
	return true
}

// Apply returns the slots that match c, preserving order.
func Apply(slots []termin.Slot, c termin.FilterCriteria, loc *time.Location) []termin.Slot {
	var out []termin.Slot
	for _, s := range slots {
		if Matches(s, c, loc) {
			out = append(out, s)
		}
	}
	return out
}

// Describe summarizes the criteria for notification bodies.
func Describe(c termin.FilterCriteria) string {
	var parts []string

	if n := len(c.EnabledDays); n > 0 && n < 7 {
		days := make([]string, 0, n)
		for _, d := range c.EnabledDays {
			if d >= 0 && d < len(dayNames) {
				days = append(days, dayNames[d])
			}
		}
		parts = append(parts, "Tage: "+strings.Join(days, ", "))
	}

	if len(c.TimeRanges) > 0 {
		ranges := make([]string, len(c.TimeRanges))
		for i, r := range c.TimeRanges {
			ranges[i] = r.Start + "-" + r.End
		}
		parts = append(parts, "Zeiten: "+strings.Join(ranges, ", "))
	}

	if len(c.AllowedLocations) > 0 {
		parts = append(parts, strconv.Itoa(len(c.AllowedLocations))+" Standort(e)")
	}

	return strings.Join(parts, " | ")
}
