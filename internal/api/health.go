package api

import (
	"encoding/json"
	"net/http"
	"os"
)

type healthResponse struct {
	Status        string `json:"status"`
	Domain        string `json:"domain"`
	DomainPresent bool   `json:"domain_present"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_, err := os.Stat(s.domain.Path())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Domain:        s.domain.Path(),
		DomainPresent: err == nil,
	}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
