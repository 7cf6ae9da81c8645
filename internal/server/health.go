package server

import "net/http"

// handleHealth serves /v1/health: 200 with the health object when healthy,
// 503 when degraded.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.views.Liveness(r.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
