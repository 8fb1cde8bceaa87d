package timer

import (
	"slices"
	"sync"
	"time"

	"timerflow/internal/domain"
	"timerflow/internal/schedule"
	"timerflow/internal/worker"
)

// Config carries the caller-supplied parts of a new timer.
type Config struct {
	Payload    []byte
	Persistent bool
}

// Info is a point-in-time view of a timer, handed to the invoker and
// returned by inspection calls. Zero times mean "none".
type Info struct {
	ID         string               `json:"id"`
	Owner      string               `json:"owner"`
	AutoName   string               `json:"auto_name,omitempty"`
	State      domain.State         `json:"state"`
	Initial    time.Time            `json:"initial"`
	Next       time.Time            `json:"next,omitempty"`
	Previous   time.Time            `json:"previous,omitempty"`
	Interval   time.Duration        `json:"interval,omitempty"`
	Payload    []byte               `json:"payload,omitempty"`
	Persistent bool                 `json:"persistent"`
	Schedule   *schedule.Expression `json:"schedule,omitempty"`
	// Scheduled is the instant being delivered while a firing is in
	// progress.
	Scheduled time.Time `json:"scheduled,omitempty"`
	Failures  int       `json:"failures,omitempty"`
}

// Calendar reports whether the timer follows a schedule expression.
func (i Info) Calendar() bool { return i.Schedule != nil }

// Timer is one live timer. All fields are guarded by mu.
type Timer struct {
	mu sync.Mutex

	id         string
	owner      string
	autoName   string
	state      domain.State
	initial    time.Time
	next       time.Time
	previous   time.Time
	interval   time.Duration
	payload    []byte
	persistent bool
	sched      *schedule.Schedule

	task *worker.Task
	// armed identifies the task allowed to fire; a task popped before it
	// could be canceled sees a newer value and does nothing.
	armed    uint64
	firing   time.Time
	pending  time.Time
	failures int
	// inflight is set while a delivery's transaction is open.
	inflight bool
	// resume is where a rolled back cancellation returns to.
	resume domain.State
}

// recurring reports whether another firing follows the one in flight. It
// must be called after pending has been computed.
func (t *Timer) recurring() bool {
	if t.sched != nil {
		return !t.pending.IsZero()
	}
	return t.interval > 0
}

// following returns the firing after fired, coalescing instants already
// missed at now into a single firing.
func (t *Timer) following(fired, now time.Time) time.Time {
	if t.sched != nil {
		after := fired
		if now.After(after) {
			after = now.Add(-time.Nanosecond)
		}
		next, ok := t.sched.NextTimeout(after)
		if !ok {
			return time.Time{}
		}
		return next
	}
	if t.interval <= 0 {
		return time.Time{}
	}
	next := fired.Add(t.interval)
	if next.Before(now) {
		missed := now.Sub(next)/t.interval + 1
		next = next.Add(missed * t.interval)
	}
	return next
}

func (t *Timer) disarm() {
	t.armed++
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
}

func (t *Timer) info() Info {
	in := Info{
		ID:         t.id,
		Owner:      t.owner,
		AutoName:   t.autoName,
		State:      t.state,
		Initial:    t.initial,
		Next:       t.next,
		Previous:   t.previous,
		Interval:   t.interval,
		Payload:    slices.Clone(t.payload),
		Persistent: t.persistent,
		Scheduled:  t.firing,
		Failures:   t.failures,
	}
	if t.state == domain.InTimeout || t.state == domain.RetryTimeout {
		in.Next = t.pending
	}
	if t.sched != nil {
		expr := t.sched.Expression()
		in.Schedule = &expr
	}
	return in
}

func (t *Timer) record() domain.TimerRecord {
	rec := domain.TimerRecord{
		ID:         t.id,
		Owner:      t.owner,
		AutoName:   t.autoName,
		State:      t.state,
		Initial:    t.initial,
		Next:       timePtr(t.next),
		Previous:   timePtr(t.previous),
		Interval:   t.interval,
		Payload:    t.payload,
		Persistent: t.persistent,
	}
	if t.sched != nil {
		expr := t.sched.Expression()
		rec.Calendar = &domain.CalendarRecord{
			Second:     expr.Second,
			Minute:     expr.Minute,
			Hour:       expr.Hour,
			DayOfWeek:  expr.DayOfWeek,
			DayOfMonth: expr.DayOfMonth,
			Month:      expr.Month,
			Year:       expr.Year,
			Timezone:   expr.Timezone,
			Start:      timePtr(expr.Start),
			End:        timePtr(expr.End),
		}
	}
	return rec
}

// fromRecord rebuilds a timer, including its schedule, from storage.
func fromRecord(rec domain.TimerRecord) (*Timer, error) {
	t := &Timer{
		id:         rec.ID,
		owner:      rec.Owner,
		autoName:   rec.AutoName,
		state:      rec.State,
		initial:    rec.Initial,
		interval:   rec.Interval,
		payload:    rec.Payload,
		persistent: rec.Persistent,
	}
	if rec.Next != nil {
		t.next = *rec.Next
	}
	if rec.Previous != nil {
		t.previous = *rec.Previous
	}
	if cal := rec.Calendar; cal != nil {
		expr := schedule.Expression{
			Second:     cal.Second,
			Minute:     cal.Minute,
			Hour:       cal.Hour,
			DayOfWeek:  cal.DayOfWeek,
			DayOfMonth: cal.DayOfMonth,
			Month:      cal.Month,
			Year:       cal.Year,
			Timezone:   cal.Timezone,
		}
		if cal.Start != nil {
			expr.Start = *cal.Start
		}
		if cal.End != nil {
			expr.End = *cal.End
		}
		s, err := schedule.New(expr)
		if err != nil {
			return nil, err
		}
		t.sched = s
	}
	return t, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
