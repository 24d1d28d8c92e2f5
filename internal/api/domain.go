package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/seantiz/contend/internal/cgroup"
)

// domainResponse is the JSON response for GET /v1/domain.
type domainResponse struct {
	Path    string `json:"path"`
	Present bool   `json:"present"`
	Members []int  `json:"members"`
}

// pressureResponse is the JSON response for GET /v1/domain/pressure. Host
// pressure is omitted when /proc/pressure is unavailable.
type pressureResponse struct {
	Domain string           `json:"domain"`
	Memory cgroup.Pressure  `json:"memory"`
	Host   *cgroup.Pressure `json:"host,omitempty"`
}

func (s *Server) handleGetDomain(w http.ResponseWriter, _ *http.Request) {
	resp := domainResponse{Path: s.domain.Path(), Members: []int{}}

	if _, err := os.Stat(resp.Path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("stat domain", "domain", resp.Path, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to inspect domain")
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Present = true

	members, err := s.domain.Members()
	if err != nil {
		s.logger.Error("read domain members", "domain", resp.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read domain members")
		return
	}
	if members != nil {
		resp.Members = members
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPressure(w http.ResponseWriter, _ *http.Request) {
	raw, err := s.domain.ReadPressure()
	if errors.Is(err, fs.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, "domain not present")
		return
	}
	if err != nil {
		s.logger.Error("read domain pressure", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read pressure")
		return
	}
	p, err := cgroup.ParsePressure(raw)
	if err != nil {
		s.logger.Error("parse domain pressure", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to parse pressure")
		return
	}

	resp := pressureResponse{Domain: s.domain.Path(), Memory: p}
	if host, err := cgroup.HostPressure(s.procRoot); err == nil {
		resp.Host = &host
	} else {
		s.logger.Debug("host pressure unavailable", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
