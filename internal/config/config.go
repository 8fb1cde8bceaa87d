// Package config loads timerd settings from a JSON or YAML file overlaid
// by command line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"timerflow/internal/schedule"
)

type Config struct {
	Addr    string      `json:"addr"`
	DB      string      `json:"db"`
	Owner   string      `json:"owner"`
	Workers int         `json:"workers"`
	Log     LogConfig   `json:"log"`
	Retry   RetryConfig `json:"retry"`
	Auto    []AutoTimer `json:"auto_timers"`

	// Debug mounts the pprof handlers under /debug/pprof.
	Debug bool `json:"debug"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console or json
}

// RetryConfig selects the policy for firings whose transaction rolls back.
type RetryConfig struct {
	Mode  string `json:"mode"` // once, backoff or none
	Delay string `json:"delay"`
	Base  string `json:"base"`
	Max   string `json:"max"`
	Limit int    `json:"limit"`
}

// Retry is RetryConfig with its durations parsed.
type Retry struct {
	Mode  string
	Delay time.Duration
	Base  time.Duration
	Max   time.Duration
	Limit int
}

// AutoTimer is a calendar timer kept alive under a fixed name. Exactly one
// of Cron and Schedule is set.
type AutoTimer struct {
	Name     string               `json:"name"`
	Cron     string               `json:"cron"`
	Schedule *schedule.Expression `json:"schedule"`
	Payload  json.RawMessage      `json:"payload"`
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		DB:      "timerflow.db",
		Owner:   "timerd",
		Workers: 8,
		Log:     LogConfig{Level: "info", Format: "console"},
		Retry:   RetryConfig{Mode: "once", Delay: "5s", Base: "1s", Max: "1m"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	data, err = toJSON(path, data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads flags from args, loads the --config file if one is given and
// applies the flags that were set on top of it.
func Parse(name string, args []string) (Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to a JSON or YAML config file")
	addr := fs.String("addr", "", "HTTP bind address")
	db := fs.String("db", "", "SQLite DB path")
	owner := fs.String("owner", "", "owner id scoping this instance's timers")
	workers := fs.Int("workers", 0, "number of worker goroutines")
	level := fs.String("log-level", "", "log level (debug, info, warn, error)")
	format := fs.String("log-format", "", "log format (console, json)")
	retry := fs.String("retry", "", "retry policy for failed firings (once, backoff, none)")
	debug := fs.Bool("debug", false, "expose pprof handlers under /debug/pprof")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("addr") {
		cfg.Addr = *addr
	}
	if fs.Changed("db") {
		cfg.DB = *db
	}
	if fs.Changed("owner") {
		cfg.Owner = *owner
	}
	if fs.Changed("workers") {
		cfg.Workers = *workers
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *level
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *format
	}
	if fs.Changed("retry") {
		cfg.Retry.Mode = *retry
	}
	if fs.Changed("debug") {
		cfg.Debug = *debug
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr: required"))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db: required"))
	}
	if c.Owner == "" {
		errs = append(errs, errors.New("owner: required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers: must be >= 1, got %d", c.Workers))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if _, err := c.Retry.Parse(); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for i, a := range c.Auto {
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Errorf("auto_timers[%d].name: required", i))
		case seen[a.Name]:
			errs = append(errs, fmt.Errorf("auto_timers[%d].name: duplicate %q", i, a.Name))
		}
		seen[a.Name] = true
		if (a.Cron == "") == (a.Schedule == nil) {
			errs = append(errs, fmt.Errorf("auto_timers[%d]: exactly one of cron and schedule is required", i))
		}
	}
	return errors.Join(errs...)
}

// Parse validates the retry settings and parses their durations.
func (r RetryConfig) Parse() (Retry, error) {
	out := Retry{Mode: r.Mode, Limit: r.Limit}
	switch r.Mode {
	case "once", "backoff", "none":
	default:
		return out, fmt.Errorf("retry.mode: unknown mode %q", r.Mode)
	}
	var err error
	if out.Delay, err = ParseDurationField("retry.delay", r.Delay); err != nil {
		return out, err
	}
	if out.Base, err = ParseDurationField("retry.base", r.Base); err != nil {
		return out, err
	}
	if out.Max, err = ParseDurationField("retry.max", r.Max); err != nil {
		return out, err
	}
	if r.Limit < 0 {
		return out, fmt.Errorf("retry.limit: must be >= 0")
	}
	return out, nil
}

// SetupLogging points the global zerolog logger at w.
func (l LogConfig) SetupLogging(w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if l.Format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}
