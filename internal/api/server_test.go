package api

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/contend/internal/backend"
	"github.com/seantiz/contend/internal/backend/hog"
	"github.com/seantiz/contend/internal/backend/stressng"
	"github.com/seantiz/contend/internal/cgroup"
	"github.com/seantiz/contend/internal/engine"
	"github.com/seantiz/contend/internal/model"
	"github.com/seantiz/contend/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestServer builds a server over an in-memory store and a domain in a
// temp dir that has not been created yet.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	reg.Register(stressng.GeneratorName, stressng.New(stressng.DefaultBin))
	reg.Register(hog.GeneratorName, hog.New(hog.DefaultBin))

	domain := cgroup.NewFSClient(t.TempDir(), "memory_stress", testLogger())
	srv := NewServer(":0", s, reg, domain, engine.NewLogBroker(), testLogger())
	srv.procRoot = filepath.Join(t.TempDir(), "proc")
	return srv
}

// createDomain makes the domain directory with the given member pids and
// pressure text.
func createDomain(t *testing.T, srv *Server, procs, pressure string) {
	t.Helper()
	if err := os.Mkdir(srv.domain.Path(), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{"cgroup.procs": procs, "memory.pressure": pressure}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(srv.domain.Path(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func broker(srv *Server) *engine.LogBroker {
	return srv.logs.(*engine.LogBroker)
}

func createWorkload(t *testing.T, srv *Server, runID, role string, statuses ...string) *model.Workload {
	t.Helper()
	wl := &model.Workload{
		ID:        model.NewID(),
		RunID:     runID,
		Role:      role,
		Status:    model.StatusPending,
		Generator: stressng.GeneratorName,
		Domain:    srv.domain.Path(),
		SizeMiB:   1024,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateWorkload(context.Background(), wl); err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}
	for _, st := range statuses {
		if err := srv.store.UpdateWorkloadStatus(context.Background(), wl.ID, st); err != nil {
			t.Fatalf("UpdateWorkloadStatus %s: %v", st, err)
		}
		wl.Status = st
	}
	return wl
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/runs", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestReadOnlySurface(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/runs", "/v1/workloads", "/v1/domain"} {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + srv.addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
