package domain

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a timer.
type State int

const (
	Created State = iota
	StartedInTx
	Active
	CanceledInTx
	InTimeout
	RetryTimeout
	Canceled
	Expired
)

var stateNames = [...]string{
	Created:      "CREATED",
	StartedInTx:  "STARTED_IN_TX",
	Active:       "ACTIVE",
	CanceledInTx: "CANCELED_IN_TX",
	InTimeout:    "IN_TIMEOUT",
	RetryTimeout: "RETRY_TIMEOUT",
	Canceled:     "CANCELED",
	Expired:      "EXPIRED",
}

func (s State) String() string {
	if s < Created || s > Expired {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether a timer in state s can never fire again.
func (s State) Terminal() bool { return s == Canceled || s == Expired }

// ParseState is the inverse of State.String.
func ParseState(text string) (State, error) {
	for i, name := range stateNames {
		if name == text {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown timer state %q", text)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CalendarRecord is the raw schedule text of a calendar timer, kept verbatim
// so the evaluator can be rebuilt on restore.
type CalendarRecord struct {
	Second     string
	Minute     string
	Hour       string
	DayOfWeek  string
	DayOfMonth string
	Month      string
	Year       string
	Timezone   string
	Start      *time.Time
	End        *time.Time
}

// TimerRecord is the durable form of a timer.
type TimerRecord struct {
	ID         string
	Owner      string
	AutoName   string
	State      State
	Initial    time.Time
	Next       *time.Time
	Previous   *time.Time
	Interval   time.Duration
	Payload    []byte
	Persistent bool
	Calendar   *CalendarRecord
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
