package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/contend/internal/model"
)

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	wl, ok := s.lookupWorkload(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A reaped generator has nothing live to send; its output is in history.
	if model.IsTerminal(wl.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", wl.Status)
		return
	}

	// The server write timeout would cut the stream off mid-run.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A workload reaped after the status check yields a closed channel, so
	// the loop below ends at once.
	ch, unsub := s.logs.Subscribe(wl.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/workloads/{id}/logs/history.
type logHistoryResponse struct {
	WorkloadID string           `json:"workload_id"`
	Role       string           `json:"role"`
	Generator  string           `json:"generator"`
	Lines      []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	wl, ok := s.lookupWorkload(w, r)
	if !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), wl.ID)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		WorkloadID: wl.ID,
		Role:       wl.Role,
		Generator:  wl.Generator,
		Lines:      lines,
	})
}

// writeSSEData writes line as one SSE event, one "data:" field per segment.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
