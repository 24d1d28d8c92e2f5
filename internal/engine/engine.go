package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/contend/internal/backend"
	"github.com/seantiz/contend/internal/cgroup"
	"github.com/seantiz/contend/internal/gadget"
	"github.com/seantiz/contend/internal/launcher"
	"github.com/seantiz/contend/internal/lifecycle"
	"github.com/seantiz/contend/internal/model"
	"github.com/seantiz/contend/internal/store"
)

// ErrUsage marks a bad command line. Nothing has been mutated when it is
// returned.
var ErrUsage = errors.New("usage")

// Options tunes a run.
type Options struct {
	// MemoryMax is written to the domain's memory.max.
	MemoryMax string
	// Generator names the registered generator, or backend.Auto.
	Generator string
	// BaselineMiB sizes the baseline load. It runs until cleanup.
	BaselineMiB int
	// SignalTimeoutS bounds the signal load. Zero leaves it unbounded.
	SignalTimeoutS int
	// PrimeDelay separates the baseline start from encoding.
	PrimeDelay time.Duration
	// Hold caps how long Run waits for the signal load. Zero waits until
	// it exits.
	Hold time.Duration
	// SmokeRead reads memory.pressure once after setup.
	SmokeRead bool
	// CloneIntoCgroup spawns children directly inside the domain.
	CloneIntoCgroup bool
	Gadget          gadget.Config
}

// Engine orchestrates encoding runs. Runs are serialized.
type Engine struct {
	store      store.Store
	domain     cgroup.Client
	generators *backend.Registry
	tracked    *lifecycle.Registry
	launcher   *launcher.Launcher
	gadget     *gadget.Gadget
	layout     *gadget.Layout
	opts       Options
	logger     *slog.Logger
	broker     *LogBroker
	wg         sync.WaitGroup

	runMu   sync.Mutex
	current *runState
}

// runState carries what the transmitter needs during Encode.
type runState struct {
	run    *model.Run
	gen    backend.Generator
	signal *launcher.Handle
}

// NewEngine creates an engine. Every workload it starts is added to tracked
// so the lifecycle controller can stop it.
func NewEngine(
	s store.Store,
	domain cgroup.Client,
	generators *backend.Registry,
	tracked *lifecycle.Registry,
	layout *gadget.Layout,
	opts Options,
	logger *slog.Logger,
) (*Engine, error) {
	if opts.BaselineMiB <= 0 {
		return nil, fmt.Errorf("baseline size %d MiB must be positive", opts.BaselineMiB)
	}
	e := &Engine{
		store:      s,
		domain:     domain,
		generators: generators,
		tracked:    tracked,
		launcher:   launcher.New(domain, opts.CloneIntoCgroup, logger),
		layout:     layout,
		opts:       opts,
		logger:     logger,
		broker:     NewLogBroker(),
	}
	g, err := gadget.New(layout, opts.Gadget, e, logger)
	if err != nil {
		return nil, fmt.Errorf("create gadget: %w", err)
	}
	e.gadget = g
	return e, nil
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Wait blocks until every workload reaper has recorded its exit. Call it
// after the lifecycle controller has shut the workloads down.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ParseOffset parses the command line: exactly one decimal secret offset.
// Range checking happens in Run.
func ParseOffset(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected exactly one offset argument, got %d", ErrUsage, len(args))
	}
	offset, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q is not an integer", ErrUsage, args[0])
	}
	return offset, nil
}

// Run performs one encoding run for offset. An offset outside the secret or
// an unresolvable generator is reported before anything is recorded or
// created. The returned run reflects the final recorded state.
//
// A cancelled ctx stops the run at the next step and the run is recorded
// as cancelled, unless the bit was already transmitted.
func (e *Engine) Run(ctx context.Context, offset int) (*model.Run, error) {
	if offset < 0 || offset >= e.layout.Size() {
		return nil, fmt.Errorf("%w: offset %d outside [0, %d]", ErrUsage, offset, e.layout.Size()-1)
	}
	gen, err := e.generators.Resolve(e.opts.Generator)
	if err != nil {
		return nil, fmt.Errorf("resolve generator: %w", err)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	run := &model.Run{
		ID:        model.NewID(),
		Offset:    offset,
		Domain:    e.domain.Path(),
		Status:    model.RunPending,
		CreatedAt: start.UTC(),
	}
	if err := e.store.CreateRun(context.Background(), run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	e.current = &runState{run: run, gen: gen}
	defer func() { e.current = nil }()

	log := e.logger.With("run_id", run.ID, "offset", offset)
	log.Info("run started", "domain", run.Domain, "generator", gen.Capabilities().Name)

	if err := e.setupDomain(log); err != nil {
		return e.finish(run, model.RunFailed, start, err)
	}

	if e.opts.SmokeRead {
		e.smokeRead(log)
	}

	if err := ctx.Err(); err != nil {
		return e.finish(run, model.RunCancelled, start, err)
	}

	if _, err := e.launch(ctx, gen, run.ID, model.RoleBaseline, e.opts.BaselineMiB, 0); err != nil {
		return e.finish(run, failedOrCancelled(ctx), start, err)
	}

	select {
	case <-ctx.Done():
		return e.finish(run, model.RunCancelled, start, ctx.Err())
	case <-time.After(e.opts.PrimeDelay):
	}

	run.Status = model.RunEncoding
	if err := e.store.UpdateRun(context.Background(), run); err != nil {
		log.Error("failed to record encoding status", "error", err)
	}

	res, err := e.gadget.Encode(ctx, offset)
	mx := res.MaliciousX
	run.MaliciousX = &mx
	if err != nil && !res.Transmitted {
		return e.finish(run, failedOrCancelled(ctx), start, err)
	}

	if !res.Transmitted {
		log.Info("run suppressed", "malicious_x", mx, "mode", e.opts.Gadget.Mode)
		return e.finish(run, model.RunSuppressed, start, nil)
	}

	bit, size := res.Bit(), res.SizeMiB
	run.Bit, run.SelectedMiB = &bit, &size
	log.Info("signal load selected",
		"malicious_x", mx,
		"bit", bit,
		"size_mib", size,
		"size", humanize.IBytes(uint64(size)<<20),
	)

	e.hold(ctx, log)
	return e.finish(run, model.RunTransmitted, start, nil)
}

// Transmit launches the signal load for the run in progress. The gadget
// calls it at most once per Encode.
func (e *Engine) Transmit(ctx context.Context, sizeMiB int) error {
	st := e.current
	if st == nil {
		return errors.New("transmit outside a run")
	}
	h, err := e.launch(ctx, st.gen, st.run.ID, model.RoleSignal, sizeMiB, e.opts.SignalTimeoutS)
	if err != nil {
		return err
	}
	st.signal = h
	return nil
}

func (e *Engine) setupDomain(log *slog.Logger) error {
	if err := e.domain.Create(); err != nil {
		return fmt.Errorf("create domain: %w", err)
	}
	if err := e.domain.EnableMemory(); err != nil {
		return fmt.Errorf("enable memory controller: %w", err)
	}
	if err := e.domain.SetMemoryMax(e.opts.MemoryMax); err != nil {
		return fmt.Errorf("set memory ceiling: %w", err)
	}
	log.Info("domain ready", "domain", e.domain.Path(), "memory_max", e.opts.MemoryMax)
	return nil
}

// smokeRead logs the domain's pressure once. Failures are not fatal.
func (e *Engine) smokeRead(log *slog.Logger) {
	raw, err := e.domain.ReadPressure()
	if err != nil {
		log.Warn("pressure smoke read failed", "error", err)
		return
	}
	p, err := cgroup.ParsePressure(raw)
	if err != nil {
		log.Warn("pressure smoke read unparsable", "error", err)
		return
	}
	attrs := []any{"some_avg10", p.Some.Avg10, "some_total_us", p.Some.Total}
	if p.Full != nil {
		attrs = append(attrs, "full_avg10", p.Full.Avg10, "full_total_us", p.Full.Total)
	}
	log.Info("domain pressure", attrs...)
}

// hold waits for the signal load to exit, for the hold cap, or for
// cancellation, whichever comes first.
func (e *Engine) hold(ctx context.Context, log *slog.Logger) {
	var done <-chan struct{}
	if st := e.current; st != nil && st.signal != nil {
		done = st.signal.Done()
	}
	var capped <-chan time.Time
	if e.opts.Hold > 0 {
		t := time.NewTimer(e.opts.Hold)
		defer t.Stop()
		capped = t.C
	}
	if done == nil && capped == nil {
		return
	}

	log.Info("holding while signal load runs", "hold", e.opts.Hold.String())
	select {
	case <-done:
		log.Info("signal load exited")
	case <-capped:
		log.Info("hold elapsed")
	case <-ctx.Done():
		log.Info("hold interrupted")
	}
}

// launch records a workload, starts it and hands it to the lifecycle
// registry. A zero timeoutS leaves the workload unbounded.
func (e *Engine) launch(ctx context.Context, gen backend.Generator, runID, role string, sizeMiB, timeoutS int) (*launcher.Handle, error) {
	w := &model.Workload{
		ID:        model.NewID(),
		RunID:     runID,
		Role:      role,
		Status:    model.StatusPending,
		Generator: gen.Capabilities().Name,
		Domain:    e.domain.Path(),
		SizeMiB:   sizeMiB,
		CreatedAt: time.Now().UTC(),
	}
	if timeoutS > 0 {
		w.TimeoutS = &timeoutS
	}
	if err := e.store.CreateWorkload(context.Background(), w); err != nil {
		return nil, fmt.Errorf("record %s workload: %w", role, err)
	}

	// The LogWriter dual-writes: persist for history, then publish for SSE.
	var seq atomic.Int32
	spec := backend.WorkloadSpec{
		ID:       w.ID,
		RunID:    runID,
		Role:     role,
		SizeMiB:  sizeMiB,
		TimeoutS: timeoutS,
		LogWriter: func(line string) {
			n := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(context.Background(), w.ID, n, line); err != nil {
				e.logger.Error("failed to persist log line", "workload_id", w.ID, "seq", n, "error", err)
			}
			e.broker.Publish(w.ID, line)
		},
	}

	h, err := e.launcher.Launch(ctx, gen, spec)
	if err != nil {
		e.broker.Close(w.ID)
		e.finishWorkload(w, model.StatusFailed, nil, err.Error())
		return nil, err
	}

	if err := e.tracked.Add(h); err != nil {
		// Untracked workloads would outlive cleanup.
		_ = h.Terminate()
		_ = h.Wait()
		e.broker.Close(w.ID)
		e.finishWorkload(w, model.StatusKilled, nil, err.Error())
		return nil, err
	}

	started := h.StartedAt().UTC()
	w.Status = model.StatusRunning
	w.PID = h.PID()
	w.StartedAt = &started
	if err := e.store.UpdateWorkload(context.Background(), w); err != nil {
		e.logger.Error("failed to record running workload", "workload_id", w.ID, "error", err)
	}

	e.wg.Go(func() {
		e.reap(w, h)
	})
	return h, nil
}

// reap records the workload's exit once the launcher has collected it.
func (e *Engine) reap(w *model.Workload, h *launcher.Handle) {
	<-h.Done()
	defer e.broker.Close(w.ID)

	exit := h.Exit()
	status := model.StatusFailed
	switch {
	case exit.Terminated || exit.Signaled:
		status = model.StatusKilled
	case exit.Code == 0:
		status = model.StatusCompleted
	}

	var code *int
	if !exit.Signaled {
		c := exit.Code
		code = &c
	}
	errMsg := ""
	if exit.Err != nil {
		errMsg = exit.Err.Error()
	} else if status == model.StatusFailed {
		errMsg = fmt.Sprintf("generator exited with code %d", exit.Code)
	}

	finished := exit.FinishedAt.UTC()
	w.FinishedAt = &finished
	e.finishWorkload(w, status, code, errMsg)
}

func (e *Engine) finishWorkload(w *model.Workload, status string, code *int, errMsg string) {
	if w.FinishedAt == nil {
		now := time.Now().UTC()
		w.FinishedAt = &now
	}
	w.Status = status
	w.ExitCode = code
	w.Error = errMsg
	if err := e.store.UpdateWorkload(context.Background(), w); err != nil {
		e.logger.Error("failed to record workload exit", "workload_id", w.ID, "status", status, "error", err)
	}
}

// finish records the run's final status and returns it together with cause.
func (e *Engine) finish(run *model.Run, status string, start time.Time, cause error) (*model.Run, error) {
	run.Status = status
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := e.store.UpdateRun(context.Background(), run); err != nil {
		e.logger.Error("failed to record run result", "run_id", run.ID, "status", status, "error", err)
	}
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(time.Since(start).Seconds())

	e.logger.Info("run finished",
		"run_id", run.ID,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return run, cause
}

func failedOrCancelled(ctx context.Context) string {
	if ctx.Err() != nil {
		return model.RunCancelled
	}
	return model.RunFailed
}
