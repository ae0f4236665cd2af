package handlers

import (
	"context"
	"net/http"

	"github.com/telhawk-systems/filegate/internal/httputil"
	"github.com/telhawk-systems/filegate/internal/logging"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready runs every check. Any critical failure makes the service not ready;
// non-critical failures only mark it degraded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.deps.Checks))}
	status := http.StatusOK

	for _, c := range h.deps.Checks {
		if err := c.Probe(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "check", c.Name, logging.Error(err))
			resp.Checks[c.Name] = "fail"
			if c.Critical {
				resp.Status = "not ready"
				status = http.StatusServiceUnavailable
			} else if resp.Status == "ready" {
				resp.Status = "degraded"
			}
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	httputil.WriteJSON(w, status, resp)
}
