package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"timerflow/internal/schedule"
	"timerflow/internal/timer"
)

// Definition is one configured auto timer. Either Cron or Schedule is set.
type Definition struct {
	Name     string
	Cron     string
	Schedule schedule.Expression
	Payload  []byte
}

// Expression resolves the definition to a calendar expression.
func (d Definition) Expression() (schedule.Expression, error) {
	if d.Cron == "" {
		return d.Schedule, nil
	}
	if d.Schedule != (schedule.Expression{}) {
		return schedule.Expression{}, fmt.Errorf("auto timer %q: cron and schedule are mutually exclusive", d.Name)
	}
	return schedule.FromCron(d.Cron)
}

type autoScheduler interface {
	ScheduleAuto(ctx context.Context, a timer.AutoTimer) (timer.Info, error)
}

// Service installs the configured auto timers on a timer service.
type Service struct {
	timers autoScheduler
}

func NewService(timers autoScheduler) *Service {
	return &Service{timers: timers}
}

// Sync makes sure every definition has a live auto timer. It keeps going
// past bad definitions and returns their errors joined.
func (s *Service) Sync(ctx context.Context, defs []Definition) error {
	var errs []error
	for _, def := range defs {
		expr, err := def.Expression()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info, err := s.timers.ScheduleAuto(ctx, timer.AutoTimer{Name: def.Name, Schedule: expr, Payload: def.Payload})
		if err != nil {
			log.Error().Err(err).Str("auto", def.Name).Msg("failed to schedule auto timer")
			errs = append(errs, fmt.Errorf("auto timer %q: %w", def.Name, err))
			continue
		}
		log.Info().
			Str("auto", def.Name).
			Str("id", info.ID).
			Time("next_run", info.Next).
			Msg("auto timer scheduled")
	}
	return errors.Join(errs...)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := schedule.FromCron(expr)
	return err
}

// NextRunTimes lists up to n instants of expr after from.
func NextRunTimes(expr schedule.Expression, from time.Time, n int) ([]time.Time, error) {
	s, err := schedule.New(expr)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	next, ok := s.FirstTimeout(from)
	for ok && len(out) < n {
		out = append(out, next)
		next, ok = s.NextTimeout(next)
	}
	return out, nil
}
