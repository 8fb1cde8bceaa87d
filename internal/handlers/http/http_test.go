package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerflow/internal/handlers"
	"timerflow/internal/timer"
)

func TestHTTP_Handle(t *testing.T) {
	var gotMethod, gotID, gotScheduled, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotID = r.Header.Get("X-Timer-Id")
		gotScheduled = r.Header.Get("X-Timer-Scheduled")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	payload, err := json.Marshal(Request{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer x"},
		Body:    json.RawMessage(`{"report":"daily"}`),
	})
	require.NoError(t, err)

	ctx := handlers.WithTimer(context.Background(), timer.Info{
		ID:        "tmr_42",
		Scheduled: time.Date(2026, time.June, 1, 3, 15, 0, 0, time.UTC),
	})
	require.NoError(t, HTTP{}.Handle(ctx, payload))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "tmr_42", gotID)
	assert.Equal(t, "2026-06-01T03:15:00Z", gotScheduled)
	assert.Equal(t, "Bearer x", gotAuth)
	assert.JSONEq(t, `{"report":"daily"}`, string(gotBody))
}

func TestHTTP_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	payload, _ := json.Marshal(Request{URL: srv.URL, Method: http.MethodGet})
	err := HTTP{Client: srv.Client()}.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestHTTP_InvalidPayload(t *testing.T) {
	assert.Error(t, HTTP{}.Handle(context.Background(), json.RawMessage(`{}`)))
	assert.Error(t, HTTP{}.Handle(context.Background(), json.RawMessage(`[`)))
}
