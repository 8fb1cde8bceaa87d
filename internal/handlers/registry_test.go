package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerflow/internal/timer"
)

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	var got json.RawMessage
	var firing timer.Info
	r.Register("capture", HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
		got = payload
		firing, _ = TimerFrom(ctx)
		return nil
	}))
	r.Register("log", Log{})
	assert.Equal(t, []string{"capture", "log"}, r.Types())

	payload, err := Encode("capture", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, r.Validate(payload))

	info := timer.Info{ID: "tmr_1", Payload: payload, Scheduled: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, r.Invoke(context.Background(), info))
	assert.JSONEq(t, `{"hello":"world"}`, string(got))
	assert.Equal(t, "tmr_1", firing.ID)

	logPayload, err := Encode("log", nil)
	require.NoError(t, err)
	assert.NoError(t, r.Invoke(context.Background(), timer.Info{ID: "tmr_2", Payload: logPayload}))
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	err := r.Invoke(context.Background(), timer.Info{Payload: []byte(`{"type":"missing"}`)})
	assert.ErrorIs(t, err, ErrNoHandler)

	assert.Error(t, r.Validate([]byte(`not json`)))
	assert.ErrorIs(t, r.Validate([]byte(`{}`)), ErrNoHandler)
}
