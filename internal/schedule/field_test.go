package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue_Kinds(t *testing.T) {
	tests := []struct {
		field Field
		text  string
		kind  Kind
	}{
		{Second, "*", Wildcard},
		{Minute, "15", Single},
		{Hour, "1,5,9", List},
		{Hour, "9-17", Range},
		{Minute, "*/15", Increment},
		{Second, "5/20", Increment},
		{DayOfMonth, "Last", Relative},
		{DayOfMonth, "-3", Relative},
		{DayOfMonth, "3rd Fri", Relative},
		{DayOfMonth, "1, Last", List},
		{DayOfWeek, "Mon-Fri", Range},
		{Month, "jan", Single},
		{Year, "2030", Single},
		{Hour, "4-4", Single},
	}
	for _, tt := range tests {
		t.Run(tt.field.String()+"/"+tt.text, func(t *testing.T) {
			v, err := ParseValue(tt.field, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.text, v.Text())
		})
	}
}

func TestParseValue_Errors(t *testing.T) {
	tests := []struct {
		field Field
		text  string
	}{
		{Hour, "24"},
		{Minute, "60"},
		{Second, "-1"},
		{DayOfMonth, "0"},
		{DayOfMonth, "-8"},
		{DayOfMonth, "32"},
		{DayOfMonth, "*/2"},
		{Year, "*/2"},
		{Year, "999"},
		{Month, "13"},
		{Month, "Foo"},
		{Minute, "a"},
		{Hour, "1,*"},
		{Hour, "1,,2"},
		{Minute, "*/0"},
		{Minute, "1/2/3"},
		{DayOfWeek, "8"},
		{DayOfMonth, "9th Mon"},
		{Second, ""},
	}
	for _, tt := range tests {
		t.Run(tt.field.String()+"/"+tt.text, func(t *testing.T) {
			_, err := ParseValue(tt.field, tt.text)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrScheduleParse))
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestValue_ResolvedValues(t *testing.T) {
	anchor := time.Date(2026, time.April, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		field Field
		text  string
		want  []int
	}{
		{Minute, "*/15", []int{0, 15, 30, 45}},
		{Second, "5/20", []int{5, 25, 45}},
		{Hour, "22-2", []int{0, 1, 2, 22, 23}},
		{DayOfWeek, "Fri-Mon", []int{0, 1, 5, 6}},
		{DayOfWeek, "7", []int{0}},
		{DayOfWeek, "*", []int{0, 1, 2, 3, 4, 5, 6}},
		{Month, "Nov-Feb", []int{1, 2, 11, 12}},
		{Month, "3, jul, 1-2", []int{1, 2, 3, 7}},
		{DayOfMonth, "Last", []int{30}},
		{DayOfMonth, "-2", []int{28}},
		{DayOfMonth, "-3--1", []int{27, 28, 29}},
		{DayOfMonth, "1, Last", []int{1, 30}},
		{DayOfMonth, "29-2", []int{1, 2, 29, 30}},
		{DayOfMonth, "31", []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.field.String()+"/"+tt.text, func(t *testing.T) {
			v, err := ParseValue(tt.field, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Values(anchor))
		})
	}
}

func TestValue_RelativeDependsOnAnchor(t *testing.T) {
	v, err := ParseValue(DayOfMonth, "Last")
	require.NoError(t, err)

	assert.Equal(t, []int{29}, v.Values(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []int{28}, v.Values(time.Date(2023, time.February, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []int{31}, v.Values(time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)))
}

func TestValue_OrdinalWeekdayIsNotResolved(t *testing.T) {
	v, err := ParseValue(DayOfMonth, "3rd Fri")
	require.NoError(t, err)
	assert.Empty(t, v.Values(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))
}

func TestValue_AllValuesWithinBounds(t *testing.T) {
	texts := map[Field][]string{
		Second:     {"*", "0", "59", "*/7", "50-10", "1,2,3"},
		Minute:     {"*", "*/13", "45-15", "0,30"},
		Hour:       {"*", "23", "20-4", "*/5"},
		DayOfWeek:  {"*", "Sun", "Fri-Tue", "0-7", "*/3"},
		DayOfMonth: {"*", "Last", "-7", "25-3", "-5-Last", "1,15,31"},
		Month:      {"*", "Feb", "Oct-Mar", "*/4"},
		Year:       {"*", "2024", "2024-2030"},
	}
	anchors := []time.Time{
		time.Date(2023, time.February, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.April, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
	for f, list := range texts {
		b := fieldBounds[f]
		for _, text := range list {
			v, err := ParseValue(f, text)
			require.NoError(t, err, "%s %q", f, text)
			for _, anchor := range anchors {
				lo, hi := b.min, b.max
				if f == DayOfMonth {
					lo, hi = 1, daysIn(anchor.Year(), anchor.Month())
				}
				if f == DayOfWeek {
					hi = 6
				}
				values := v.Values(anchor)
				assert.IsIncreasing(t, values)
				for _, n := range values {
					assert.GreaterOrEqual(t, n, lo, "%s %q at %s", f, text, anchor)
					assert.LessOrEqual(t, n, hi, "%s %q at %s", f, text, anchor)
				}
			}
		}
	}
}

func TestSplitRange(t *testing.T) {
	tests := []struct {
		in     string
		lo, hi string
		ok     bool
	}{
		{"1-5", "1", "5", true},
		{"-3", "", "", false},
		{"-3--1", "-3", "-1", true},
		{"1-Last", "1", "Last", true},
		{"Mon - Fri", "Mon", "Fri", true},
		{"5", "", "", false},
	}
	for _, tt := range tests {
		lo, hi, ok := splitRange(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.lo, lo, tt.in)
		assert.Equal(t, tt.hi, hi, tt.in)
	}
}
