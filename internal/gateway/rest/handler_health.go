package rest

import (
	"net/http"
	"sort"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "healthy"}
	status := http.StatusOK
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if h.checks[name].HealthCheck(r.Context()) {
			resp.Checks[name] = "ok"
			continue
		}
		resp.Checks[name] = "failing"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		h.logger.Warn("Health check failing", "checks", resp.Checks)
	}
	writeJSON(w, status, resp)
}
