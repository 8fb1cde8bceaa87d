package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"timerflow/internal/handlers"
)

// Shell runs a command for every firing. The firing timer is exposed to
// the command as TIMER_ID and TIMER_SCHEDULED.
type Shell struct{}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if info, ok := handlers.TimerFrom(ctx); ok {
		cmd.Env = append(cmd.Env,
			"TIMER_ID="+info.ID,
			"TIMER_SCHEDULED="+info.Scheduled.UTC().Format(time.RFC3339))
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
