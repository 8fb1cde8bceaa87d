package shell

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerflow/internal/handlers"
	"timerflow/internal/timer"
)

func TestShell_Handle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	payload, err := json.Marshal(Cmd{
		Command: "sh",
		Args:    []string{"-c", `printf '%s %s %s' "$TIMER_ID" "$TIMER_SCHEDULED" "$GREETING" > "$OUT"`},
		Env:     map[string]string{"GREETING": "hi", "OUT": out},
	})
	require.NoError(t, err)

	ctx := handlers.WithTimer(context.Background(), timer.Info{
		ID:        "tmr_7",
		Scheduled: time.Date(2026, time.July, 4, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, Shell{}.Handle(ctx, payload))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "tmr_7 2026-07-04T12:00:00Z hi", string(b))
}

func TestShell_FailureIncludesOutput(t *testing.T) {
	payload, _ := json.Marshal(Cmd{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	err := Shell{}.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	assert.Error(t, Shell{}.Handle(context.Background(), json.RawMessage(`{}`)))
}
