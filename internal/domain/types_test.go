package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Text(t *testing.T) {
	for s := Created; s <= Expired; s++ {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("RUNNING")
	assert.Error(t, err)
	assert.Equal(t, "State(42)", State(42).String())
}

func TestState_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]State{"state": RetryTimeout})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"RETRY_TIMEOUT"}`, string(b))

	var out struct{ State State }
	require.NoError(t, json.Unmarshal([]byte(`{"State":"CANCELED_IN_TX"}`), &out))
	assert.Equal(t, CanceledInTx, out.State)
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, Canceled.Terminal())
	assert.True(t, Expired.Terminal())
	assert.False(t, RetryTimeout.Terminal())
	assert.False(t, CanceledInTx.Terminal())
}
