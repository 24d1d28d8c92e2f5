package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/contend/internal/backend"
	"github.com/seantiz/contend/internal/cgroup"
	"github.com/seantiz/contend/internal/engine"
	"github.com/seantiz/contend/internal/gadget"
	"github.com/seantiz/contend/internal/lifecycle"
	"github.com/seantiz/contend/internal/model"
	"github.com/seantiz/contend/internal/store"
)

var secret = []byte{0, 1, 0, 0, 1, 1, 1, 1, 1, 0, 0, 1, 0, 1, 1, 0}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// roleGenerator runs a different shell snippet per workload role.
type roleGenerator struct {
	bin     string
	scripts map[string]string
}

func (g *roleGenerator) Command(spec backend.WorkloadSpec) (string, []string) {
	return g.bin, []string{"-c", g.scripts[spec.Role]}
}

func (g *roleGenerator) Capabilities() backend.GeneratorCapabilities {
	return backend.GeneratorCapabilities{Name: "script", Binary: g.bin, SupportsTimeout: true}
}

func defaultGenerator() *roleGenerator {
	return &roleGenerator{
		bin: "/bin/sh",
		scripts: map[string]string{
			model.RoleBaseline: "exec sleep 30",
			model.RoleSignal:   "echo allocated; exit 0",
		},
	}
}

// fakeDomain is an FSClient over a temp tree whose pseudo-files are plain
// files. Destroy clears them first so rmdir can succeed.
type fakeDomain struct {
	*cgroup.FSClient
}

func (d *fakeDomain) Destroy() error {
	for _, name := range []string{"cgroup.procs", "memory.max", "memory.pressure"} {
		_ = os.Remove(filepath.Join(d.Path(), name))
	}
	return d.FSClient.Destroy()
}

func newFakeDomain(t *testing.T, withController bool) *fakeDomain {
	t.Helper()
	root := t.TempDir()
	c := cgroup.NewFSClient(root, "memory_stress", testLogger())
	if withController {
		if err := os.WriteFile(filepath.Join(root, "cgroup.subtree_control"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(c.Path(), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"cgroup.procs":    "",
		"memory.max":      "max\n",
		"memory.pressure": "some avg10=0.00 avg60=0.00 avg300=0.00 total=0\nfull avg10=0.00 avg60=0.00 avg300=0.00 total=0\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(c.Path(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &fakeDomain{FSClient: c}
}

func defaultOptions() engine.Options {
	return engine.Options{
		MemoryMax:      "1G",
		Generator:      "script",
		BaselineMiB:    200,
		SignalTimeoutS: 10,
		PrimeDelay:     10 * time.Millisecond,
		Hold:           5 * time.Second,
		SmokeRead:      true,
		Gadget: gadget.Config{
			Rounds:     6,
			TrainIndex: 10,
			Spin:       100,
			LowMiB:     1,
			HighMiB:    1024,
			Mode:       gadget.ModeSpeculative,
		},
	}
}

type harness struct {
	eng     *engine.Engine
	store   store.Store
	domain  *fakeDomain
	tracked *lifecycle.Registry
	ctl     *lifecycle.Controller
}

func newHarness(t *testing.T, gen backend.Generator, opts engine.Options, capacity int) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	domain := newFakeDomain(t, true)
	reg := backend.NewRegistry()
	reg.Register("script", gen)
	tracked := lifecycle.NewRegistry(capacity)

	layout, err := gadget.NewLayout(secret)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	eng, err := engine.NewEngine(s, domain, reg, tracked, layout, opts, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	h := &harness{
		eng:     eng,
		store:   s,
		domain:  domain,
		tracked: tracked,
		ctl:     lifecycle.NewController(tracked, domain, testLogger()),
	}
	t.Cleanup(func() {
		h.shutdown(t)
		s.Close()
	})
	return h
}

// shutdown stops every workload, removes the domain and waits for the
// engine to record each exit.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.ctl.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	h.eng.Wait()
}

func (h *harness) workloads(t *testing.T, runID string) map[string]*model.Workload {
	t.Helper()
	list, _, err := h.store.ListWorkloads(context.Background(), runID, 10, 0)
	if err != nil {
		t.Fatalf("ListWorkloads: %v", err)
	}
	byRole := make(map[string]*model.Workload)
	for _, w := range list {
		byRole[w.Role] = w
	}
	return byRole
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    int
		wantErr bool
	}{
		{"single offset", []string{"1"}, 1, false},
		{"zero", []string{"0"}, 0, false},
		{"negative parses", []string{"-1"}, -1, false},
		{"no args", nil, 0, true},
		{"two args", []string{"1", "2"}, 0, true},
		{"not a number", []string{"one"}, 0, true},
		{"hex", []string{"0x1"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.ParseOffset(tt.args)
			if tt.wantErr {
				if !errors.Is(err, engine.ErrUsage) {
					t.Errorf("err = %v, want ErrUsage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOffset: %v", err)
			}
			if got != tt.want {
				t.Errorf("offset = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunRejectsOffsetBeforeMutation(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	root := t.TempDir()
	domain := cgroup.NewFSClient(root, "memory_stress", testLogger())
	reg := backend.NewRegistry()
	reg.Register("script", defaultGenerator())
	tracked := lifecycle.NewRegistry(0)
	layout, _ := gadget.NewLayout(secret)

	eng, err := engine.NewEngine(s, domain, reg, tracked, layout, defaultOptions(), testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	for _, offset := range []int{16, 17, -1, 1 << 20} {
		run, err := eng.Run(context.Background(), offset)
		if !errors.Is(err, engine.ErrUsage) {
			t.Errorf("offset %d: err = %v, want ErrUsage", offset, err)
		}
		if run != nil {
			t.Errorf("offset %d: run recorded for a usage error", offset)
		}
	}

	if _, err := os.Stat(domain.Path()); !os.IsNotExist(err) {
		t.Errorf("domain created for a usage error: %v", err)
	}
	_, total, err := s.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 {
		t.Errorf("runs recorded = %d, want 0", total)
	}
	if tracked.Len() != 0 {
		t.Errorf("tracked workloads = %d, want 0", tracked.Len())
	}
}

func TestRunSetBitSelectsLowContention(t *testing.T) {
	h := newHarness(t, defaultGenerator(), defaultOptions(), 0)

	run, err := h.eng.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != model.RunTransmitted {
		t.Fatalf("status = %q, want %q", run.Status, model.RunTransmitted)
	}
	if run.Bit == nil || *run.Bit != 1 {
		t.Errorf("bit = %v, want 1", run.Bit)
	}
	if run.SelectedMiB == nil || *run.SelectedMiB != 1 {
		t.Errorf("selected = %v MiB, want 1", run.SelectedMiB)
	}
	if run.MaliciousX == nil || *run.MaliciousX != len(secret)+1 {
		t.Errorf("malicious_x = %v, want %d", run.MaliciousX, len(secret)+1)
	}

	members, err := h.domain.Members()
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("domain members = %v, want baseline and signal", members)
	}
	if h.tracked.Len() != 2 {
		t.Errorf("tracked = %d, want 2", h.tracked.Len())
	}

	h.shutdown(t)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != model.RunTransmitted || stored.FinishedAt == nil {
		t.Errorf("stored run = %+v", stored)
	}

	byRole := h.workloads(t, run.ID)
	baseline, signal := byRole[model.RoleBaseline], byRole[model.RoleSignal]
	if baseline == nil || signal == nil {
		t.Fatalf("workloads by role = %v", byRole)
	}
	if baseline.SizeMiB != 200 || baseline.TimeoutS != nil {
		t.Errorf("baseline = size %d timeout %v, want 200 unbounded", baseline.SizeMiB, baseline.TimeoutS)
	}
	if baseline.Status != model.StatusKilled {
		t.Errorf("baseline status = %q, want killed at cleanup", baseline.Status)
	}
	if signal.SizeMiB != 1 || signal.TimeoutS == nil || *signal.TimeoutS != 10 {
		t.Errorf("signal = size %d timeout %v, want 1 MiB bounded by 10s", signal.SizeMiB, signal.TimeoutS)
	}
	if signal.Status != model.StatusCompleted {
		t.Errorf("signal status = %q, want completed", signal.Status)
	}
	if signal.ExitCode == nil || *signal.ExitCode != 0 {
		t.Errorf("signal exit code = %v, want 0", signal.ExitCode)
	}

	lines, err := h.store.GetLogLines(context.Background(), signal.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 1 || lines[0].Line != "allocated" {
		t.Errorf("signal output = %+v, want [allocated]", lines)
	}

	if _, err := os.Stat(h.domain.Path()); !os.IsNotExist(err) {
		t.Errorf("domain still present after shutdown: %v", err)
	}
}

func TestRunClearBitSelectsHighContention(t *testing.T) {
	h := newHarness(t, defaultGenerator(), defaultOptions(), 0)

	run, err := h.eng.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Bit == nil || *run.Bit != 0 {
		t.Errorf("bit = %v, want 0", run.Bit)
	}
	if run.SelectedMiB == nil || *run.SelectedMiB != 1024 {
		t.Errorf("selected = %v MiB, want 1024", run.SelectedMiB)
	}

	h.shutdown(t)
	signal := h.workloads(t, run.ID)[model.RoleSignal]
	if signal == nil || signal.SizeMiB != 1024 {
		t.Errorf("signal workload = %+v, want 1024 MiB", signal)
	}
}

func TestRunStrictModeSuppresses(t *testing.T) {
	opts := defaultOptions()
	opts.Gadget.Mode = gadget.ModeStrict
	h := newHarness(t, defaultGenerator(), opts, 0)

	run, err := h.eng.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != model.RunSuppressed {
		t.Errorf("status = %q, want %q", run.Status, model.RunSuppressed)
	}
	if run.Bit != nil || run.SelectedMiB != nil {
		t.Error("suppressed run should carry no bit")
	}
	if h.tracked.Len() != 1 {
		t.Errorf("tracked = %d, want only the baseline", h.tracked.Len())
	}
}

func TestRunHoldCap(t *testing.T) {
	gen := defaultGenerator()
	gen.scripts[model.RoleSignal] = "exec sleep 30"
	opts := defaultOptions()
	opts.Hold = 50 * time.Millisecond
	h := newHarness(t, gen, opts, 0)

	start := time.Now()
	run, err := h.eng.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run held for %v, want about the hold cap", elapsed)
	}
	if run.Status != model.RunTransmitted {
		t.Errorf("status = %q, want transmitted", run.Status)
	}
}

func TestRunCancelledBeforeEncode(t *testing.T) {
	h := newHarness(t, defaultGenerator(), defaultOptions(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.eng.Run(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if run == nil || run.Status != model.RunCancelled {
		t.Fatalf("run = %+v, want cancelled", run)
	}
	if h.tracked.Len() != 0 {
		t.Errorf("tracked = %d, want 0", h.tracked.Len())
	}
}

func TestRunCancelledDuringPrimeDelay(t *testing.T) {
	opts := defaultOptions()
	opts.PrimeDelay = 30 * time.Second
	h := newHarness(t, defaultGenerator(), opts, 0)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	run, err := h.eng.Run(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if run.Status != model.RunCancelled {
		t.Errorf("status = %q, want cancelled", run.Status)
	}
	if h.tracked.Len() != 1 {
		t.Errorf("tracked = %d, want the baseline only", h.tracked.Len())
	}
}

func TestRunGeneratorStartFailure(t *testing.T) {
	gen := &roleGenerator{bin: "/nonexistent/stress-ng"}
	h := newHarness(t, gen, defaultOptions(), 0)

	run, err := h.eng.Run(context.Background(), 1)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if run.Status != model.RunFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "/nonexistent/stress-ng") {
		t.Errorf("run error = %q", run.Error)
	}

	baseline := h.workloads(t, run.ID)[model.RoleBaseline]
	if baseline == nil || baseline.Status != model.StatusFailed {
		t.Errorf("baseline = %+v, want failed", baseline)
	}
}

func TestRunDomainSetupFailure(t *testing.T) {
	h := newHarness(t, defaultGenerator(), defaultOptions(), 0)
	if err := os.Remove(filepath.Join(filepath.Dir(h.domain.Path()), "cgroup.subtree_control")); err != nil {
		t.Fatal(err)
	}

	run, err := h.eng.Run(context.Background(), 1)
	if err == nil {
		t.Fatal("expected setup failure")
	}
	if run.Status != model.RunFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if h.tracked.Len() != 0 {
		t.Errorf("tracked = %d, want no workloads after a setup failure", h.tracked.Len())
	}
}

func TestRunRegistryFullKillsSignal(t *testing.T) {
	h := newHarness(t, defaultGenerator(), defaultOptions(), 1)

	run, err := h.eng.Run(context.Background(), 2)
	if !errors.Is(err, lifecycle.ErrRegistryFull) {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
	if run.Status != model.RunFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}

	signal := h.workloads(t, run.ID)[model.RoleSignal]
	if signal == nil || signal.Status != model.StatusKilled {
		t.Errorf("signal = %+v, want killed", signal)
	}
}

func TestNewEngineValidatesGadgetConfig(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	layout, _ := gadget.NewLayout(secret)
	domain := cgroup.NewFSClient(t.TempDir(), "memory_stress", testLogger())

	opts := defaultOptions()
	opts.Gadget.Rounds = 1
	if _, err := engine.NewEngine(s, domain, backend.NewRegistry(), lifecycle.NewRegistry(0), layout, opts, testLogger()); err == nil {
		t.Error("expected error for a single training round")
	}

	opts = defaultOptions()
	opts.BaselineMiB = 0
	if _, err := engine.NewEngine(s, domain, backend.NewRegistry(), lifecycle.NewRegistry(0), layout, opts, testLogger()); err == nil {
		t.Error("expected error for a zero baseline size")
	}
}
