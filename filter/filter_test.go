package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termin-notifier/pkg/termin"
)

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

func slotAt(t *testing.T, loc *time.Location, locationID int, value string) termin.Slot {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return termin.Slot{LocationID: locationID, Timestamp: termin.Timestamp(ts.Unix())}
}

func TestMatches(t *testing.T) {
	loc := berlin(t)
	tests := []struct {
		name     string
		slot     termin.Slot
		criteria termin.FilterCriteria
		want     bool
	}{
		{
			name: "no criteria matches everything",
			slot: slotAt(t, loc, 4, "2024-06-02 08:00"),
			want: true,
		},
		{
			name:     "sunday slot rejected by monday-only filter",
			slot:     slotAt(t, loc, 4, "2024-06-02 10:00"),
			criteria: termin.FilterCriteria{EnabledDays: []int{1}},
			want:     false,
		},
		{
			name:     "monday slot accepted by monday-only filter",
			slot:     slotAt(t, loc, 4, "2024-06-03 10:00"),
			criteria: termin.FilterCriteria{EnabledDays: []int{1}},
			want:     true,
		},
		{
			name:     "inside time range",
			slot:     slotAt(t, loc, 4, "2024-06-03 11:59"),
			criteria: termin.FilterCriteria{TimeRanges: []termin.TimeRange{{Start: "09:00", End: "12:00"}}},
			want:     true,
		},
		{
			name:     "range end is inclusive",
			slot:     slotAt(t, loc, 4, "2024-06-03 12:00"),
			criteria: termin.FilterCriteria{TimeRanges: []termin.TimeRange{{Start: "09:00", End: "12:00"}}},
			want:     true,
		},
		{
			name:     "after time range",
			slot:     slotAt(t, loc, 4, "2024-06-03 12:01"),
			criteria: termin.FilterCriteria{TimeRanges: []termin.TimeRange{{Start: "09:00", End: "12:00"}}},
			want:     false,
		},
		{
			name: "any of several ranges",
			slot: slotAt(t, loc, 4, "2024-06-03 15:30"),
			criteria: termin.FilterCriteria{TimeRanges: []termin.TimeRange{
				{Start: "08:00", End: "09:00"},
				{Start: "15:00", End: "16:00"},
			}},
			want: true,
		},
		{
			name:     "location not allowed",
			slot:     slotAt(t, loc, 64, "2024-06-03 10:00"),
			criteria: termin.FilterCriteria{AllowedLocations: []int{4, 34}},
			want:     false,
		},
		{
			name:     "undated slot passes day and time but not location",
			slot:     termin.Slot{LocationID: 64},
			criteria: termin.FilterCriteria{AllowedLocations: []int{4}, EnabledDays: []int{1}},
			want:     false,
		},
		{
			name: "undated slot passes day and time",
			slot: termin.Slot{LocationID: 4},
			criteria: termin.FilterCriteria{
				AllowedLocations: []int{4},
				EnabledDays:      []int{1},
				TimeRanges:       []termin.TimeRange{{Start: "09:00", End: "09:01"}},
			},
			want: true,
		},
		{
			name: "all criteria combined",
			slot: slotAt(t, loc, 34, "2024-06-04 09:30"),
			criteria: termin.FilterCriteria{
				AllowedLocations: []int{34},
				EnabledDays:      []int{2},
				TimeRanges:       []termin.TimeRange{{Start: "09:00", End: "10:00"}},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.slot, tt.criteria, loc))
		})
	}
}

func TestMatchesUsesGivenZone(t *testing.T) {
	// 23:30 UTC on a Sunday is 01:30 Monday in Berlin (summer time).
	slot := termin.Slot{LocationID: 4, Timestamp: termin.Timestamp(time.Date(2024, 6, 2, 23, 30, 0, 0, time.UTC).Unix())}
	monday := termin.FilterCriteria{EnabledDays: []int{1}}

	assert.True(t, Matches(slot, monday, berlin(t)))
	assert.False(t, Matches(slot, monday, time.UTC))
}

func TestApplyPreservesOrder(t *testing.T) {
	loc := berlin(t)
	slots := []termin.Slot{
		slotAt(t, loc, 4, "2024-06-03 10:00"),
		slotAt(t, loc, 64, "2024-06-03 10:00"),
		slotAt(t, loc, 34, "2024-06-03 11:00"),
	}
	got := Apply(slots, termin.FilterCriteria{AllowedLocations: []int{34, 4}}, loc)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].LocationID)
	assert.Equal(t, 34, got[1].LocationID)

	assert.Empty(t, Apply(nil, termin.FilterCriteria{}, loc))
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name     string
		criteria termin.FilterCriteria
		want     string
	}{
		{name: "empty", want: ""},
		{
			name:     "all days omitted",
			criteria: termin.FilterCriteria{EnabledDays: []int{0, 1, 2, 3, 4, 5, 6}},
			want:     "",
		},
		{
			name: "everything",
			criteria: termin.FilterCriteria{
				EnabledDays:      []int{1, 2},
				TimeRanges:       []termin.TimeRange{{Start: "09:00", End: "12:00"}},
				AllowedLocations: []int{4, 34},
			},
			want: "Tage: Mo, Di | Zeiten: 09:00-12:00 | 2 Standort(e)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.criteria))
		})
	}
}
