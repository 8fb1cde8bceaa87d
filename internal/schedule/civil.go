package schedule

import "time"

const maxYear = 9999

// civil is a wall-clock calendar value with no location attached. Arithmetic
// on it never crosses a daylight saving transition.
type civil struct {
	year                 int
	month                time.Month
	day                  int
	hour, minute, second int
}

func civilOf(t time.Time) civil {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return civil{y, m, d, hh, mm, ss}
}

func (c civil) utc() time.Time {
	return time.Date(c.year, c.month, c.day, c.hour, c.minute, c.second, 0, time.UTC)
}

func (c civil) in(loc *time.Location) time.Time {
	return time.Date(c.year, c.month, c.day, c.hour, c.minute, c.second, 0, loc)
}

func (c civil) add(days, hours, minutes, seconds int) civil {
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	return civilOf(c.utc().AddDate(0, 0, days).Add(d))
}

func (c civil) addMonths(n int) civil {
	return civilOf(c.utc().AddDate(0, n, 0))
}
