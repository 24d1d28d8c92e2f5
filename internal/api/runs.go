package api

import (
	"errors"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/contend/internal/model"
	"github.com/seantiz/contend/internal/store"
)

// runResponse adds the human-readable signal size to a run.
type runResponse struct {
	*model.Run
	Selected string `json:"selected,omitempty"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []runResponse `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// runDetailResponse is a run with the workloads it started.
type runDetailResponse struct {
	runResponse
	Workloads []workloadResponse `json:"workloads"`
}

func newRunResponse(r *model.Run) runResponse {
	resp := runResponse{Run: r}
	if r.SelectedMiB != nil {
		resp.Selected = humanize.IBytes(uint64(*r.SelectedMiB) << 20)
	}
	return resp
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	workloads, _, err := s.store.ListWorkloads(r.Context(), id, maxListLimit, 0)
	if err != nil {
		s.logger.Error("list run workloads", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list run workloads")
		return
	}

	s.writeJSON(w, http.StatusOK, runDetailResponse{
		runResponse: newRunResponse(run),
		Workloads:   newWorkloadResponses(workloads),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = newRunResponse(run)
	}
	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   out,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
