package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlRoutes(t *testing.T) {
	gate := risk.New(risk.DefaultConfig())
	routes := controlRoutes(gate)

	call := func(method, path string) (int, map[string]any) {
		rr := httptest.NewRecorder()
		routes[path].ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		var body map[string]any
		_ = json.Unmarshal(rr.Body.Bytes(), &body)
		return rr.Code, body
	}

	code, _ := call(http.MethodGet, "/control/kill")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.True(t, gate.IsActive())

	code, body := call(http.MethodPost, "/control/kill")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["trading_active"])
	assert.False(t, gate.IsActive())

	code, body = call(http.MethodGet, "/control/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["trading_active"])

	code, body = call(http.MethodPost, "/control/resume")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["trading_active"])
	assert.True(t, gate.IsActive())
}
