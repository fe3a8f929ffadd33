package api

import (
	"net/http"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Version string `json:"version"`
}

// HealthHandler returns the health check handler. backend names the
// configured store so operators can confirm what they deployed.
func HealthHandler(backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, HealthResponse{
			Status:  "healthy",
			Backend: backend,
			Version: "1.0.0",
		})
	}
}
