package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerflow/internal/schedule"
	"timerflow/internal/timer"
)

type fakeTimers struct{ got []timer.AutoTimer }

func (f *fakeTimers) ScheduleAuto(_ context.Context, a timer.AutoTimer) (timer.Info, error) {
	f.got = append(f.got, a)
	return timer.Info{ID: "tmr_" + a.Name, AutoName: a.Name}, nil
}

func TestService_Sync(t *testing.T) {
	f := &fakeTimers{}
	err := NewService(f).Sync(context.Background(), []Definition{
		{Name: "cleanup", Cron: "0 3 * * *", Payload: []byte(`{"type":"log"}`)},
		{Name: "report", Schedule: schedule.Expression{Hour: "6", DayOfWeek: "Mon"}},
		{Name: "broken", Cron: "not a cron"},
		{Name: "both", Cron: "@daily", Schedule: schedule.Expression{Hour: "1"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, schedule.ErrScheduleParse)
	assert.Contains(t, err.Error(), "mutually exclusive")

	require.Len(t, f.got, 2)
	assert.Equal(t, "cleanup", f.got[0].Name)
	assert.Equal(t, "3", f.got[0].Schedule.Hour)
	assert.Equal(t, "0", f.got[0].Schedule.Minute)
	assert.Equal(t, "Mon", f.got[1].Schedule.DayOfWeek)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("* * *"))
}

func TestNextRunTimes(t *testing.T) {
	from := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	got, err := NextRunTimes(schedule.Expression{Minute: "30", Hour: "*/6", Timezone: "UTC"}, from, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, time.January, 1, 0, 30, 0, 0, time.UTC),
		time.Date(2026, time.January, 1, 6, 30, 0, 0, time.UTC),
		time.Date(2026, time.January, 1, 12, 30, 0, 0, time.UTC),
	}, got)

	got, err = NextRunTimes(schedule.Expression{Timezone: "UTC", End: from.Add(-time.Hour)}, from, 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = NextRunTimes(schedule.Expression{Month: "13"}, from, 1)
	assert.ErrorIs(t, err, schedule.ErrScheduleParse)
}
