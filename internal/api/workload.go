package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/contend/internal/model"
	"github.com/seantiz/contend/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// workloadResponse adds the human-readable allocation size to a workload.
type workloadResponse struct {
	*model.Workload
	Size string `json:"size"`
}

// listWorkloadsResponse wraps the paginated list response.
type listWorkloadsResponse struct {
	Workloads []workloadResponse `json:"workloads"`
	Total     int                `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

func newWorkloadResponse(w *model.Workload) workloadResponse {
	return workloadResponse{Workload: w, Size: humanize.IBytes(uint64(w.SizeMiB) << 20)}
}

func newWorkloadResponses(ws []*model.Workload) []workloadResponse {
	out := make([]workloadResponse, len(ws))
	for i, w := range ws {
		out[i] = newWorkloadResponse(w)
	}
	return out
}

func (s *Server) handleGetWorkload(w http.ResponseWriter, r *http.Request) {
	if wl, ok := s.lookupWorkload(w, r); ok {
		s.writeJSON(w, http.StatusOK, newWorkloadResponse(wl))
	}
}

// lookupWorkload loads the workload named by the {id} URL parameter. On
// failure it has already written the error response.
func (s *Server) lookupWorkload(w http.ResponseWriter, r *http.Request) (*model.Workload, bool) {
	id := chi.URLParam(r, "id")
	wl, err := s.store.GetWorkload(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workload not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get workload", "workload_id", id, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workload")
		return nil, false
	}
	return wl, true
}

// handleListWorkloads lists workloads newest first. ?run_id restricts the
// list to one run.
func (s *Server) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runID := r.URL.Query().Get("run_id")

	workloads, total, err := s.store.ListWorkloads(r.Context(), runID, limit, offset)
	if err != nil {
		s.logger.Error("list workloads", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workloads")
		return
	}

	s.writeJSON(w, http.StatusOK, listWorkloadsResponse{
		Workloads: newWorkloadResponses(workloads),
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// pagination reads limit and offset, clamping them to sane values.
func pagination(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
