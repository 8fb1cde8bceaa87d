// Package handlers turns a timer's opaque payload into a call to one of the
// registered callback handlers. Payloads are JSON envelopes of the form
// {"type": "http", "payload": {...}}.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"timerflow/internal/timer"
)

var ErrNoHandler = errors.New("no handler for payload type")

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Envelope is the stored form of a timer payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds the envelope bytes for typ and payload.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Registry dispatches firings by envelope type. It implements timer.Invoker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ timer.Invoker = (*Registry)(nil)

func NewRegistry() *Registry { return &Registry{handlers: map[string]Handler{}} }

func (r *Registry) Register(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// Types lists the registered payload types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Validate checks that payload is an envelope with a registered type.
func (r *Registry) Validate(payload []byte) error {
	_, _, err := r.resolve(payload)
	return err
}

func (r *Registry) resolve(payload []byte) (Handler, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, env, fmt.Errorf("invalid timer payload: %w", err)
	}
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, env, fmt.Errorf("%w: %q", ErrNoHandler, env.Type)
	}
	return h, env, nil
}

func (r *Registry) Invoke(ctx context.Context, info timer.Info) error {
	h, env, err := r.resolve(info.Payload)
	if err != nil {
		return err
	}
	log.Debug().Str("id", info.ID).Str("type", env.Type).Time("scheduled", info.Scheduled).Msg("dispatching timeout")
	return h.Handle(WithTimer(ctx, info), env.Payload)
}

type timerKey struct{}

// WithTimer attaches the firing timer to ctx for handlers that report it.
func WithTimer(ctx context.Context, info timer.Info) context.Context {
	return context.WithValue(ctx, timerKey{}, info)
}

// TimerFrom returns the firing timer attached by the registry.
func TimerFrom(ctx context.Context) (timer.Info, bool) {
	info, ok := ctx.Value(timerKey{}).(timer.Info)
	return info, ok
}

// Log only records the firing.
type Log struct{}

func (Log) Handle(ctx context.Context, payload json.RawMessage) error {
	ev := log.Info().RawJSON("payload", nonEmpty(payload))
	if info, ok := TimerFrom(ctx); ok {
		ev = ev.Str("id", info.ID).Time("scheduled", info.Scheduled)
	}
	ev.Msg("timeout")
	return nil
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
