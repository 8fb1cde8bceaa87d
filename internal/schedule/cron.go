package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronStarBit mirrors the bit robfig/cron sets when a field was written as "*".
const cronStarBit = 1 << 63

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var _ cron.Schedule = (*Schedule)(nil)

// Next implements cron.Schedule. It returns the zero time when the schedule
// never fires again.
func (s *Schedule) Next(t time.Time) time.Time {
	next, ok := s.NextTimeout(t)
	if !ok {
		return time.Time{}
	}
	return next
}

// FromCron converts a crontab line (5 or 6 fields, an optional
// CRON_TZ= prefix, or a descriptor such as "@daily") into an Expression.
// "@every" describes an interval timer and is rejected.
func FromCron(spec string) (Expression, error) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "@every") {
		return Expression{}, fmt.Errorf("%w: %q is an interval, not a calendar", ErrUnsupported, spec)
	}
	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return Expression{}, &ParseError{Field: -1, Text: spec, Reason: err.Error()}
	}
	s, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return Expression{}, fmt.Errorf("%w: %q", ErrUnsupported, spec)
	}
	expr := Expression{
		Second:     bitsText(s.Second, 0, 59),
		Minute:     bitsText(s.Minute, 0, 59),
		Hour:       bitsText(s.Hour, 0, 23),
		DayOfMonth: bitsText(s.Dom, 1, 31),
		Month:      bitsText(s.Month, 1, 12),
		DayOfWeek:  bitsText(s.Dow, 0, 6),
		Year:       "*",
	}
	if s.Location != nil && s.Location != time.Local {
		expr.Timezone = s.Location.String()
	}
	return expr, nil
}

func bitsText(bits uint64, min, max uint) string {
	if bits&cronStarBit != 0 {
		return "*"
	}
	var parts []string
	for n := min; n <= max; n++ {
		if bits&(1<<n) != 0 {
			parts = append(parts, strconv.FormatUint(uint64(n), 10))
		}
	}
	return strings.Join(parts, ",")
}
