package hashutil

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": []any{1, 2}}}
	b := map[string]any{"nested": map[string]any{"x": []any{1, 2}, "y": true}, "a": 1, "b": 2}

	ha, err := Compute(a)
	require.NoError(t, err)
	hb, err := Compute(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCompute_WhitespaceIndependent(t *testing.T) {
	var spaced, compact any
	require.NoError(t, json.Unmarshal([]byte(`{ "a" : 1 ,  "b" : [ 1 , 2 ] }`), &spaced))
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":[1,2]}`), &compact))

	hs, err := Compute(spaced)
	require.NoError(t, err)
	hc, err := Compute(compact)
	require.NoError(t, err)
	assert.Equal(t, hs, hc)
}

func TestCompute_ValueSensitive(t *testing.T) {
	h1, err := Compute(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := Compute(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCanonical_NumberFidelity(t *testing.T) {
	// Large integers must not pick up float formatting.
	c, err := Canonical(map[string]any{"n": json.Number("9007199254740993")})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(c))
}

func TestAuditLog_AppendAndChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops", "logs", "audit.log")
	log := NewAuditLog(path, nil)

	require.NoError(t, log.Append("hash-1", "state_update", "req-1", "ok", ""))
	require.NoError(t, log.Append("hash-2", "process_inbox", "req-2", "error", "boom"))

	records, err := log.Read()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "hash-1", records[0].Hash)
	assert.Empty(t, records[0].PrevHash)
	assert.Equal(t, "error", records[1].Status)
	assert.Equal(t, "boom", records[1].Error)

	// Second record chains to the first.
	first, err := Compute(records[0])
	require.NoError(t, err)
	assert.Equal(t, first, records[1].PrevHash)
}

func TestAuditLog_ChainSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	log1 := NewAuditLog(path, nil)
	require.NoError(t, log1.Append("h1", "op", "r1", "ok", ""))

	// A fresh instance over the same file continues the chain.
	log2 := NewAuditLog(path, nil)
	require.NoError(t, log2.Append("h2", "op", "r2", "ok", ""))

	records, err := log2.Read()
	require.NoError(t, err)
	require.Len(t, records, 2)
	first, err := Compute(records[0])
	require.NoError(t, err)
	assert.Equal(t, first, records[1].PrevHash)
}
