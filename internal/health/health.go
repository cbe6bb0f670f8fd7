// Package health exposes /healthz and /readyz, grounded on
// bun-kms/internal/health's Checker-function handler shape.
package health

import (
	"encoding/json"
	"net/http"
)

// Checker reports an error if the thing it checks is unhealthy.
type Checker func() error

// Handler returns a liveness handler: always 200 once the process is
// running, since the router holds no internal state whose corruption
// liveness needs to detect (cf. bun-kms, which gates liveness on its
// master key).
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// ReadinessHandler runs every check on each request and reports 503 if
// any fails — used to gate whether the router should receive new client
// connections (cmd/router registers a single Mongo ping check; the
// upstream Meteor server is not checked).
func ReadinessHandler(checks map[string]Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		results := make(map[string]string, len(checks))
		ready := true
		for name, check := range checks {
			if err := check(); err != nil {
				results[name] = err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}
		status := "ready"
		code := http.StatusOK
		if !ready {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": results,
		})
	})
}
