package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Expression is the textual form of a calendar schedule. Empty fields take
// the defaults: second, minute and hour "0", everything else "*".
type Expression struct {
	Second     string `json:"second,omitempty"`
	Minute     string `json:"minute,omitempty"`
	Hour       string `json:"hour,omitempty"`
	DayOfWeek  string `json:"day_of_week,omitempty"`
	DayOfMonth string `json:"day_of_month,omitempty"`
	Month      string `json:"month,omitempty"`
	Year       string `json:"year,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	// Zero means unbounded.
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// WithDefaults fills empty fields with their default text.
func (e Expression) WithDefaults() Expression {
	def := func(s *string, d string) {
		if strings.TrimSpace(*s) == "" {
			*s = d
		}
	}
	def(&e.Second, "0")
	def(&e.Minute, "0")
	def(&e.Hour, "0")
	def(&e.DayOfWeek, "*")
	def(&e.DayOfMonth, "*")
	def(&e.Month, "*")
	def(&e.Year, "*")
	return e
}

// Fields returns the seven field texts in Field order.
func (e Expression) Fields() [7]string {
	return [7]string{e.Second, e.Minute, e.Hour, e.DayOfWeek, e.DayOfMonth, e.Month, e.Year}
}

func (e Expression) String() string {
	f := e.Fields()
	s := fmt.Sprintf("second=%s minute=%s hour=%s dayOfWeek=%s dayOfMonth=%s month=%s year=%s",
		f[0], f[1], f[2], f[3], f[4], f[5], f[6])
	if e.Timezone != "" {
		s += " timezone=" + e.Timezone
	}
	if !e.Start.IsZero() {
		s += " start=" + e.Start.Format(time.RFC3339)
	}
	if !e.End.IsZero() {
		s += " end=" + e.End.Format(time.RFC3339)
	}
	return s
}

const (
	// lookaheadYears bounds the search when the year is unrestricted. Eight
	// years covers Feb 29 across a skipped century leap year.
	lookaheadYears = 8
	maxPasses      = 100000
	// dstRetries bounds the re-search when a local time repeats at a
	// daylight saving fall-back.
	dstRetries = 7200
)

// Schedule evaluates an Expression. It is immutable after New.
type Schedule struct {
	expr   Expression
	loc    *time.Location
	values [7]*Value
}

// New parses every field of expr and loads its timezone.
func New(expr Expression) (*Schedule, error) {
	expr = expr.WithDefaults()
	s := &Schedule{expr: expr, loc: time.Local}
	if tz := strings.TrimSpace(expr.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, &ParseError{Field: -1, Text: tz, Reason: "unknown timezone"}
		}
		s.loc = loc
	}
	for i, text := range expr.Fields() {
		v, err := ParseValue(Field(i), text)
		if err != nil {
			return nil, err
		}
		s.values[i] = v
	}
	if s.values[DayOfMonth].ordinal {
		return nil, fmt.Errorf("%w: ordinal weekday day-of-month %q", ErrUnsupported, expr.DayOfMonth)
	}
	if !expr.Start.IsZero() && !expr.End.IsZero() && expr.End.Before(expr.Start) {
		return nil, &ParseError{Field: -1, Text: expr.End.Format(time.RFC3339), Reason: "end is before start"}
	}
	return s, nil
}

// MustNew is like New but panics on error.
func MustNew(expr Expression) *Schedule {
	s, err := New(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Expression returns the expression the schedule was built from, with
// defaults applied.
func (s *Schedule) Expression() Expression { return s.expr }

// Location is the timezone all field comparisons use.
func (s *Schedule) Location() *time.Location { return s.loc }

// Value returns the parsed constraint for f.
func (s *Schedule) Value(f Field) *Value { return s.values[f] }

func (s *Schedule) String() string { return s.expr.String() }

// FirstTimeout returns the first instant satisfying the schedule at or after
// its start, or at or after now when no start is set.
func (s *Schedule) FirstTimeout(now time.Time) (time.Time, bool) {
	seed := now
	if !s.expr.Start.IsZero() {
		seed = s.expr.Start
	}
	seed = ceilSecond(seed)
	return s.search(seed, seed.Add(-time.Nanosecond))
}

// NextTimeout returns the first instant strictly after after (and not
// before start). The second result is false when the schedule never fires
// again.
func (s *Schedule) NextTimeout(after time.Time) (time.Time, bool) {
	if start := s.expr.Start; !start.IsZero() && after.Before(start) {
		seed := ceilSecond(start)
		return s.search(seed, seed.Add(-time.Nanosecond))
	}
	return s.search(after.Truncate(time.Second).Add(time.Second), after)
}

func (s *Schedule) search(seed, after time.Time) (time.Time, bool) {
	c := civilOf(seed.In(s.loc))
	limit := maxYear
	if s.values[Year].IsWildcard() {
		limit = c.year + lookaheadYears
	}
	for i := 0; i < dstRetries; i++ {
		r, ok := s.resolve(c, limit)
		if !ok {
			return time.Time{}, false
		}
		t := r.in(s.loc)
		if end := s.expr.End; !end.IsZero() && t.After(end) {
			return time.Time{}, false
		}
		if t.After(after) {
			return t, true
		}
		c = r.add(0, 0, 0, 1)
	}
	return time.Time{}, false
}

// step resolves one field. The bool result asks the cascade to start over
// because a coarser unit moved and finer fields were reset.
type step func(s *Schedule, c civil) (civil, bool)

var cascade = [...]step{
	(*Schedule).stepSecond,
	(*Schedule).stepMinute,
	(*Schedule).stepHour,
	(*Schedule).stepDay,
	(*Schedule).stepMonth,
	(*Schedule).stepYear,
}

func (s *Schedule) resolve(c civil, limit int) (civil, bool) {
pass:
	for i := 0; i < maxPasses; i++ {
		if c.year > limit || c.year > maxYear {
			return civil{}, false
		}
		for _, fn := range cascade {
			var again bool
			if c, again = fn(s, c); again {
				continue pass
			}
		}
		return c, true
	}
	return civil{}, false
}

func (s *Schedule) stepSecond(c civil) (civil, bool) {
	v := s.values[Second]
	if v.IsWildcard() {
		return c, false
	}
	n, ok := ceil(v.static, c.second)
	if !ok {
		// Carry into the minute; the minute step absorbs it.
		c.second = v.static[0]
		return c.add(0, 0, 1, 0), false
	}
	c.second = n
	return c, false
}

func (s *Schedule) stepMinute(c civil) (civil, bool) {
	v := s.values[Minute]
	if v.IsWildcard() {
		return c, false
	}
	n, ok := ceil(v.static, c.minute)
	switch {
	case !ok:
		c.minute, c.second = v.static[0], 0
		return c.add(0, 1, 0, 0), true
	case n != c.minute:
		c.minute, c.second = n, 0
		return c, true
	}
	return c, false
}

func (s *Schedule) stepHour(c civil) (civil, bool) {
	v := s.values[Hour]
	if v.IsWildcard() {
		return c, false
	}
	n, ok := ceil(v.static, c.hour)
	switch {
	case !ok:
		c.hour, c.minute, c.second = v.static[0], 0, 0
		return c.add(1, 0, 0, 0), true
	case n != c.hour:
		c.hour, c.minute, c.second = n, 0, 0
		return c, true
	}
	return c, false
}

// stepDay applies day-of-week and day-of-month together. When both are
// restricted a day matching either one qualifies.
func (s *Schedule) stepDay(c civil) (civil, bool) {
	days, all := s.days(c.year, c.month)
	if all {
		return c, false
	}
	n, ok := ceil(days, c.day)
	switch {
	case !ok:
		return civil{year: c.year, month: c.month, day: 1}.addMonths(1), true
	case n != c.day:
		return civil{year: c.year, month: c.month, day: n}, true
	}
	return c, false
}

func (s *Schedule) stepMonth(c civil) (civil, bool) {
	v := s.values[Month]
	if v.IsWildcard() {
		return c, false
	}
	n, ok := ceil(v.static, int(c.month))
	switch {
	case !ok:
		return civil{year: c.year + 1, month: time.Month(v.static[0]), day: 1}, true
	case n != int(c.month):
		return civil{year: c.year, month: time.Month(n), day: 1}, true
	}
	return c, false
}

func (s *Schedule) stepYear(c civil) (civil, bool) {
	v := s.values[Year]
	if v.IsWildcard() {
		return c, false
	}
	n, ok := ceil(v.static, c.year)
	switch {
	case !ok:
		return civil{year: maxYear + 1, month: time.January, day: 1}, true
	case n != c.year:
		return civil{year: n, month: time.January, day: 1}, true
	}
	return c, false
}

// days returns the legal days of one month. all is true when neither
// day field is restricted.
func (s *Schedule) days(year int, month time.Month) (days []int, all bool) {
	dom, dow := s.values[DayOfMonth], s.values[DayOfWeek]
	if dom.IsWildcard() && dow.IsWildcard() {
		return nil, true
	}
	var byWeekday []int
	if !dow.IsWildcard() {
		first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Weekday()
		for d := 1; d <= daysIn(year, month); d++ {
			wd := (int(first) + d - 1) % 7
			if contains(dow.static, wd) {
				byWeekday = append(byWeekday, d)
			}
		}
		if dom.IsWildcard() {
			return byWeekday, false
		}
	}
	byDate := dom.days(year, month)
	if dow.IsWildcard() {
		return byDate, false
	}
	return normalize(DayOfMonth, append(byDate, byWeekday...)), false
}

func contains(set []int, n int) bool {
	v, ok := ceil(set, n)
	return ok && v == n
}

func ceilSecond(t time.Time) time.Time {
	if tr := t.Truncate(time.Second); !tr.Equal(t) {
		return tr.Add(time.Second)
	}
	return t
}
