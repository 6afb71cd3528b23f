// Package health serves the liveness endpoint shared by the services.
package health

import (
	"encoding/json"
	"net/http"
)

// Status is the /health response body. A degraded event bus is reported, not
// failed: the services keep running without eventing.
type Status struct {
	Status   string `json:"status"`
	EventBus bool   `json:"eventBus"`
}

// Handler returns a handler reporting the event bus state. busHealthy may be nil.
func Handler(busHealthy func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{Status: "ok", EventBus: true}
		if busHealthy != nil {
			st.EventBus = busHealthy()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(st)
	}
}
