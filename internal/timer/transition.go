package timer

import (
	"fmt"
	"strings"

	"timerflow/internal/domain"
	"timerflow/internal/txn"
)

// Event drives a timer from one state to the next.
type Event int

const (
	Start Event = iota
	StartInTx
	Cancel
	CancelInTx
	Fire
	Commit
	Rollback
)

var eventNames = [...]string{"start", "start in tx", "cancel", "cancel in tx", "fire", "commit", "rollback"}

func (e Event) String() string {
	if e < Start || e > Rollback {
		return fmt.Sprintf("Event(%d)", int(e))
	}
	return eventNames[e]
}

// Effects are the side effects the caller performs after a transition.
type Effects uint8

const (
	// Arm schedules the next firing.
	Arm Effects = 1 << iota
	// Disarm cancels the outstanding task without removing the timer.
	Disarm
	// Persist writes the timer's new state to the store.
	Persist
	// Remove cancels the outstanding task and drops the timer from the
	// live registry.
	Remove
	// Retry schedules another delivery of the firing that just failed.
	Retry
)

func (e Effects) Has(f Effects) bool { return e&f != 0 }

func (e Effects) String() string {
	var parts []string
	for i, name := range []string{"arm", "disarm", "persist", "remove", "retry"} {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Step is the result of a transition.
type Step struct {
	To      domain.State
	Effects Effects
}

// Transition returns the state and effects that follow ev in state from.
// recurring tells whether the timer has a firing after the current one.
func Transition(from domain.State, ev Event, recurring bool) (Step, error) {
	after := func() Step {
		if recurring {
			return Step{domain.Active, Arm | Persist}
		}
		return Step{domain.Expired, Remove | Persist}
	}
	switch from {
	case domain.Created:
		switch ev {
		case Start:
			return Step{domain.Active, Arm | Persist}, nil
		case StartInTx:
			return Step{domain.StartedInTx, Persist}, nil
		case Cancel, CancelInTx:
			return Step{domain.Canceled, Remove}, nil
		}
	case domain.StartedInTx:
		switch ev {
		case Commit:
			return Step{domain.Active, Arm | Persist}, nil
		case Rollback, Cancel, CancelInTx:
			return Step{domain.Canceled, Remove | Persist}, nil
		}
	case domain.Active:
		switch ev {
		case Cancel:
			return Step{domain.Canceled, Remove | Persist}, nil
		case CancelInTx:
			return Step{domain.CanceledInTx, Disarm | Persist}, nil
		case Fire:
			return Step{domain.InTimeout, Persist}, nil
		}
	case domain.CanceledInTx:
		switch ev {
		case Commit:
			return Step{domain.Canceled, Remove | Persist}, nil
		case Rollback:
			return Step{domain.Active, Arm | Persist}, nil
		case Cancel:
			return Step{domain.Canceled, Remove | Persist}, nil
		}
	case domain.InTimeout:
		switch ev {
		case Commit:
			return after(), nil
		case Rollback:
			return Step{domain.RetryTimeout, Retry | Persist}, nil
		case Cancel:
			return Step{domain.Canceled, Remove | Persist}, nil
		case CancelInTx:
			return Step{domain.CanceledInTx, Persist}, nil
		}
	case domain.RetryTimeout:
		switch ev {
		case Commit, Rollback:
			return after(), nil
		case Cancel:
			return Step{domain.Canceled, Remove | Persist}, nil
		case CancelInTx:
			return Step{domain.CanceledInTx, Disarm | Persist}, nil
		}
	}
	return Step{}, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}

// Complete maps a transaction outcome onto Transition.
func Complete(from domain.State, outcome txn.Outcome, recurring bool) (Step, error) {
	if outcome == txn.Committed {
		return Transition(from, Commit, recurring)
	}
	return Transition(from, Rollback, recurring)
}
