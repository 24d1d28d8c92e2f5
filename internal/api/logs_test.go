package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/contend/internal/model"
)

// sseEvent is one parsed server-sent event. Name is empty for plain data
// events.
type sseEvent struct {
	Name string
	Data string
}

// readSSE parses the stream until EOF. Consecutive "data:" lines form one
// event; a blank line ends it.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var name string
	var data []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && (name != "" || len(data) > 0):
			events = append(events, sseEvent{Name: name, Data: strings.Join(data, "\n")})
			name, data = "", nil
		}
	}
	return events
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workloads/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsCompletedWorkload(t *testing.T) {
	srv := newTestServer(t)

	wl := createWorkload(t, srv, "run-1", model.RoleSignal, model.StatusRunning, model.StatusCompleted)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workloads/" + wl.ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readSSE(t, resp.Body)
	if len(events) != 1 || events[0] != (sseEvent{Name: "done", Data: model.StatusCompleted}) {
		t.Errorf("events = %v, want a single done event carrying the status", events)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)

	wl := createWorkload(t, srv, "run-1", model.RoleSignal, model.StatusRunning)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Start streaming in a goroutine.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/workloads/"+wl.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Publish some log lines and close the stream.
	b := broker(srv)
	b.Publish(wl.ID, "stress-ng: info: dispatching hogs: 1 vm")
	b.Publish(wl.ID, "stress-ng: info: successful run completed")
	b.Close(wl.ID)

	events := readSSE(t, resp.Body)
	want := []sseEvent{
		{Data: "stress-ng: info: dispatching hogs: 1 vm"},
		{Data: "stress-ng: info: successful run completed"},
		{Name: "done", Data: "stream complete"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)

	wl := createWorkload(t, srv, "run-1", model.RoleBaseline, model.StatusRunning)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/workloads/"+wl.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Publish a multi-line log entry (e.g. a stack trace).
	b := broker(srv)
	b.Publish(wl.ID, "stress-ng: fail: vm: mmap failed\n  errno=12\n  retrying")
	b.Close(wl.ID)

	events := readSSE(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want the log line and done: %v", len(events), events)
	}

	want := "stress-ng: fail: vm: mmap failed\n  errno=12\n  retrying"
	if events[0].Name != "" || events[0].Data != want {
		t.Errorf("event = %+v, want data %q", events[0], want)
	}
	if events[1].Name != "done" {
		t.Errorf("last event = %+v, want done", events[1])
	}
}

func TestLogHistory(t *testing.T) {
	srv := newTestServer(t)
	wl := createWorkload(t, srv, "run-1", model.RoleSignal, model.StatusRunning, model.StatusCompleted)

	for i, line := range []string{"stress-ng: info: dispatching hogs: 1 vm", "stress-ng: info: successful run completed"} {
		if err := srv.store.InsertLogLine(context.Background(), wl.ID, i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workloads/" + wl.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got logHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.WorkloadID != wl.ID || got.Role != model.RoleSignal || got.Generator != "stress-ng" {
		t.Errorf("header = %+v", got)
	}
	if len(got.Lines) != 2 || got.Lines[1].Seq != 1 {
		t.Errorf("lines = %+v, want 2 in order", got.Lines)
	}
}

func TestLogHistoryNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workloads/nonexistent/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
