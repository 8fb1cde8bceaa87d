package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "timerd.yaml", `
addr: ":9090"
owner: billing
workers: 2
retry:
  mode: backoff
  base: 500ms
  max: 30s
  limit: 4
auto_timers:
  - name: nightly
    cron: "0 3 * * *"
    payload:
      type: log
      payload: {msg: hi}
  - name: quarterly
    schedule:
      hour: "6"
      day_of_month: "1"
      month: "1,4,7,10"
      timezone: Europe/Paris
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "timerflow.db", cfg.DB)
	assert.Equal(t, 2, cfg.Workers)
	require.Len(t, cfg.Auto, 2)
	assert.Equal(t, "0 3 * * *", cfg.Auto[0].Cron)
	assert.JSONEq(t, `{"type":"log","payload":{"msg":"hi"}}`, string(cfg.Auto[0].Payload))
	require.NotNil(t, cfg.Auto[1].Schedule)
	assert.Equal(t, "1,4,7,10", cfg.Auto[1].Schedule.Month)
	assert.Equal(t, "Europe/Paris", cfg.Auto[1].Schedule.Timezone)

	r, err := cfg.Retry.Parse()
	require.NoError(t, err)
	assert.Equal(t, Retry{Mode: "backoff", Delay: 5 * time.Second, Base: 500 * time.Millisecond, Max: 30 * time.Second, Limit: 4}, r)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "timerd.json", `{"addr": ":1", "wokers": 3}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParse_FlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "timerd.json", `{"addr": ":1", "owner": "file"}`)
	cfg, err := Parse("timerd", []string{"-c", path, "--owner", "flag", "--workers", "3", "--retry", "none", "--debug"})
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, ":1", cfg.Addr)
	assert.Equal(t, "flag", cfg.Owner)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "none", cfg.Retry.Mode)
}

func TestParse_Help(t *testing.T) {
	_, err := Parse("timerd", []string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	cfg.Log.Format = "xml"
	cfg.Retry.Delay = "-1s"
	cfg.Auto = []AutoTimer{
		{Name: "a", Cron: "* * * * *"},
		{Name: "a", Cron: "* * * * *"},
		{Name: "b"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "workers")
	assert.Contains(t, msg, "log.format")
	assert.Contains(t, msg, "retry.delay: duration must be >= 0")
	assert.Contains(t, msg, `duplicate "a"`)
	assert.Contains(t, msg, "auto_timers[2]: exactly one of cron and schedule")
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "soon")
	assert.ErrorContains(t, err, `x: invalid duration "soon"`)
}
