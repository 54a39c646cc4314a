package toolproto_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/orchestrator/internal/toolproto"
)

func TestNewRequestMarshalsJSONRPCEnvelope(t *testing.T) {
	req := toolproto.NewRequest("node-1", "run_query", map[string]any{"query": "select 1"})

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var round map[string]any
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, "2.0", round["jsonrpc"])
	assert.Equal(t, "node-1", round["id"])
	assert.Equal(t, "run_query", round["method"])
}

func TestResponseUnmarshalsSuccess(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"node-1","result":{"rows":3}}`

	var resp toolproto.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, "node-1", resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"rows":3}`, string(resp.Result))
}

func TestResponseUnmarshalsError(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"node-1","error":{"code":503,"message":"upstream unavailable"}}`

	var resp toolproto.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 503, resp.Error.Code)
	assert.Equal(t, "tool error 503: upstream unavailable", resp.Error.Error())
}

func TestNilRPCErrorIsSafe(t *testing.T) {
	var e *toolproto.RPCError
	assert.Equal(t, "", e.Error())
}

func TestManifestRoundTrips(t *testing.T) {
	m := toolproto.Manifest{
		Name: "sql",
		Methods: []toolproto.ManifestMethod{
			{Name: "run_query", RetryableCodes: []int{503}, WantsInline: false},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var round toolproto.Manifest
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, "sql", round.Name)
	require.Len(t, round.Methods, 1)
	assert.Equal(t, []int{503}, round.Methods[0].RetryableCodes)
}
