package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status         string `json:"status"`
	ActiveFlowRuns int    `json:"active_flow_runs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.engine != nil {
		resp.ActiveFlowRuns = s.engine.ActiveFlowRuns()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
