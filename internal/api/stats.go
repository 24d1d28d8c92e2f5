package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByRole      map[string]int `json:"by_role"`
	ByGenerator map[string]int `json:"by_generator"`
	Runs        map[string]int `json:"runs"`
	AvgSizeMiB  float64        `json:"avg_size_mib"`
	AvgSize     string         `json:"avg_size"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetWorkloadStats(r.Context())
	if err != nil {
		s.logger.Error("get workload stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:       stats.Total,
		ByStatus:    stats.CountByStatus,
		ByRole:      stats.CountByRole,
		ByGenerator: stats.CountByGenerator,
		Runs:        stats.RunsByStatus,
		AvgSizeMiB:  stats.AvgSizeMiB,
		AvgSize:     humanize.IBytes(uint64(stats.AvgSizeMiB * (1 << 20))),
	})
}
