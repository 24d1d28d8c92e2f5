package api

import "net/http"

func (s *Server) handleListGenerators(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.generators.List())
}
