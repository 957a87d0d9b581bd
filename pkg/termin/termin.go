// Package termin contains the core domain types for the appointment notification service.
package termin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Timestamp is an epoch-seconds slot time. Upstream sends either a number or
// false; zero means absent.
type Timestamp int64

// Valid reports whether the timestamp is present.
func (t Timestamp) Valid() bool {
	return t > 0
}

// Time converts the timestamp to a time in loc.
func (t Timestamp) Time(loc *time.Location) time.Time {
	return time.Unix(int64(t), 0).In(loc)
}

// UnmarshalJSON accepts a number, false, or null.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		*t = 0
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode timestamp %s: %w", b, err)
	}
	if i, err := n.Int64(); err == nil {
		*t = Timestamp(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("decode timestamp %s: %w", b, err)
	}
	*t = Timestamp(int64(f))
	return nil
}

// MarshalJSON writes false for an absent timestamp.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return []byte("false"), nil
	}
	return strconv.AppendInt(nil, int64(t), 10), nil
}

// Label is a display string that upstream may replace with false.
type Label string

// UnmarshalJSON accepts a string, number, false, or null.
func (l *Label) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte("null")):
		*l = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode label: %w", err)
		}
		*l = Label(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("decode label %s: %w", b, err)
		}
		*l = Label(n.String())
		return nil
	}
}

// MarshalJSON writes false for an empty label.
func (l Label) MarshalJSON() ([]byte, error) {
	if l == "" {
		return []byte("false"), nil
	}
	return json.Marshal(string(l))
}

// Slot is one bookable appointment at one location.
type Slot struct {
	Date            Label     `json:"date"`
	Place           string    `json:"place"`
	Place2          string    `json:"place2"`
	Used            Label     `json:"used"`
	ReservationLink string    `json:"reservation_link"`
	Index           int       `json:"i"`
	LocationID      int       `json:"loc_id"`
	Timestamp       Timestamp `json:"timestamp"`
}

// DisplayName returns the most specific place name available.
func (s Slot) DisplayName() string {
	if s.Place2 != "" {
		return s.Place2
	}
	return s.Place
}

// Key identifies a slot by location and time.
func (s Slot) Key() string {
	return SlotKey(s.LocationID, s.Timestamp)
}

// SlotKey formats the identity of a slot.
func SlotKey(locationID int, ts Timestamp) string {
	return strconv.Itoa(locationID) + "-" + strconv.FormatInt(int64(ts), 10)
}

// AppointmentData is one concern group returned by the booking API.
type AppointmentData struct {
	AlternativeTitle *string `json:"alternativeTitle"`
	Name             string  `json:"name"`
	Locations        []Slot  `json:"locations"`
	ConcernID        int     `json:"cnc_id"`
	NoDates          bool    `json:"noDates"`
}

// Flatten returns every slot of every group in upstream order.
func Flatten(data []AppointmentData) []Slot {
	var slots []Slot
	for i := range data {
		slots = append(slots, data[i].Locations...)
	}
	return slots
}

// Dated returns only slots with a timestamp, sorted ascending by time.
func Dated(slots []Slot) []Slot {
	dated := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.Timestamp.Valid() {
			dated = append(dated, s)
		}
	}
	sort.SliceStable(dated, func(i, j int) bool {
		return dated[i].Timestamp < dated[j].Timestamp
	})
	return dated
}

// Newer returns the timestamped slots strictly newer than mark, preserving order.
func Newer(slots []Slot, mark int64) []Slot {
	var out []Slot
	for _, s := range slots {
		if s.Timestamp.Valid() && int64(s.Timestamp) > mark {
			out = append(out, s)
		}
	}
	return out
}

// MaxTimestamp returns the largest timestamp among slots, or zero.
func MaxTimestamp(slots []Slot) int64 {
	var highest int64
	for _, s := range slots {
		if int64(s.Timestamp) > highest {
			highest = int64(s.Timestamp)
		}
	}
	return highest
}

// CloneData deep-copies a listing so callers cannot mutate cached state.
func CloneData(data []AppointmentData) []AppointmentData {
	if data == nil {
		return nil
	}
	out := make([]AppointmentData, len(data))
	for i, d := range data {
		out[i] = d
		if d.AlternativeTitle != nil {
			title := *d.AlternativeTitle
			out[i].AlternativeTitle = &title
		}
		out[i].Locations = append([]Slot(nil), d.Locations...)
	}
	return out
}

// Subscription is a durable request to be notified about matching slots.
type Subscription struct {
	CreatedAt         time.Time      `json:"subscriptionTime"`
	ID                string         `json:"id"`
	Filters           FilterCriteria `json:"filters"`
	AppointmentTypeID int            `json:"appointmentTypeId"`
	Watermark         int64          `json:"lastNotifiedTimestamp"`
}

// UnmarshalJSON accepts subscriptionTime as RFC 3339 text or as epoch
// milliseconds, the form older clients stored.
func (s *Subscription) UnmarshalJSON(b []byte) error {
	type plain Subscription
	aux := struct {
		*plain
		CreatedAt subscriptionTime `json:"subscriptionTime"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.CreatedAt = time.Time(aux.CreatedAt)
	return nil
}

type subscriptionTime time.Time

func (t *subscriptionTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		return nil
	case len(b) > 0 && b[0] == '"':
		var parsed time.Time
		if err := json.Unmarshal(b, &parsed); err != nil {
			return fmt.Errorf("decode subscription time: %w", err)
		}
		*t = subscriptionTime(parsed)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode subscription time %s: %w", b, err)
	}
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("decode subscription time %s: %w", b, ferr)
		}
		ms = int64(f)
	}
	*t = subscriptionTime(time.UnixMilli(ms).UTC())
	return nil
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Filters = s.Filters.Clone()
	return &c
}
