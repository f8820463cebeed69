package chat

import (
	"encoding/json"
	"net/http"
)

// handleHealth reports overall service health. Backends registered via
// Options.Pingers are checked on every call; any failure flips the status
// to unhealthy with a 503 so load balancers stop routing here.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, healthy := s.checker.Check(r.Context())

	resp := healthResponse{Status: "healthy"}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if len(h.Status) > 0 {
		resp.Checks = h.Status
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
