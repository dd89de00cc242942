package main

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/nexus-trading/autosnipe/internal/supervisor"
	"github.com/rs/zerolog/log"
)

// registerControl mounts the operator endpoints. Kill stops automatic
// entries and copy trades; exits and manual orders keep flowing.
func registerControl(sup *supervisor.Supervisor, gate *risk.Gate) {
	for pattern, h := range controlRoutes(gate) {
		sup.Handle(pattern, h)
	}
}

func controlRoutes(gate *risk.Gate) map[string]http.Handler {
	status := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trading_active": gate.IsActive(),
			"gate":           gate.Stats(),
		})
	}
	post := func(action func()) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("main: control action")
			action()
			status(w)
		})
	}
	return map[string]http.Handler{
		"/control/kill":   post(gate.Kill),
		"/control/resume": post(gate.Resume),
		"/control/status": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { status(w) }),
	}
}
