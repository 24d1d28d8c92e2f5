package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/seantiz/contend/internal/backend"
	"github.com/seantiz/contend/internal/cgroup"
	"github.com/seantiz/contend/internal/model"
)

// outputDrainDelay bounds how long the reaper waits for generator output
// after the child exits. stress-ng workers inherit the pipe and can outlive
// their parent briefly.
const outputDrainDelay = 2 * time.Second

// Launcher spawns generators and assigns them to a contention domain.
type Launcher struct {
	domain    cgroup.Client
	cloneInto bool
	logger    *slog.Logger
}

// New creates a Launcher for domain. When cloneInto is set, children are
// created inside the domain with CLONE_INTO_CGROUP instead of being
// assigned after start.
func New(domain cgroup.Client, cloneInto bool, logger *slog.Logger) *Launcher {
	return &Launcher{
		domain:    domain,
		cloneInto: cloneInto,
		logger:    logger,
	}
}

// Launch starts the generator described by spec and assigns it to the
// domain. A failure to start the program is returned without a handle. A
// failure to assign kills and reaps the child before returning, so no
// unaccounted process is left behind.
func (l *Launcher) Launch(ctx context.Context, gen backend.Generator, spec backend.WorkloadSpec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch %s workload: %w", spec.Role, err)
	}
	if spec.SizeMiB <= 0 {
		return nil, fmt.Errorf("launch %s workload: size %d MiB must be positive", spec.Role, spec.SizeMiB)
	}
	if spec.ID == "" {
		spec.ID = model.NewID()
	}

	bin, args := gen.Command(spec)
	genName := gen.Capabilities().Name

	cgroupFD := -1
	if l.cloneInto {
		fd, err := openDomain(l.domain.Path())
		if err != nil {
			launchFailures.WithLabelValues(stageStart).Inc()
			return nil, fmt.Errorf("open domain %s: %w", l.domain.Path(), err)
		}
		cgroupFD = fd
		defer unix.Close(fd)
	}

	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = sysProcAttr(cgroupFD)
	var out *lineWriter
	if spec.LogWriter != nil {
		out = &lineWriter{fn: spec.LogWriter}
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.WaitDelay = outputDrainDelay
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		launchFailures.WithLabelValues(stageStart).Inc()
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	pid := cmd.Process.Pid

	if !l.cloneInto {
		if err := l.domain.Assign(pid); err != nil {
			launchFailures.WithLabelValues(stageAssign).Inc()
			_ = unix.Kill(-pid, unix.SIGKILL)
			_ = cmd.Wait()
			return nil, fmt.Errorf("assign %s workload: %w", spec.Role, err)
		}
	}
	launchDuration.Observe(time.Since(start).Seconds())
	workloadsLaunched.WithLabelValues(spec.Role, genName).Inc()
	workloadsActive.Inc()

	h := &Handle{
		id:        spec.ID,
		role:      spec.Role,
		generator: genName,
		sizeMiB:   spec.SizeMiB,
		pid:       pid,
		startedAt: start,
		cmd:       cmd,
		out:       out,
		done:      make(chan struct{}),
		logger:    l.logger,
	}
	go h.reap()

	l.logger.Info("workload launched",
		"workload_id", h.id,
		"role", h.role,
		"generator", genName,
		"pid", pid,
		"size_mib", spec.SizeMiB,
		"timeout_s", spec.TimeoutS,
		"domain", l.domain.Path(),
	)
	return h, nil
}

// Exit describes how a generator process ended.
type Exit struct {
	// Code is the exit status, or -1 when the process was killed by a signal.
	Code int
	// Signaled reports that the process was terminated by a signal.
	Signaled bool
	// Terminated reports that Terminate was called before the process ended.
	Terminated bool
	FinishedAt time.Time
	// Err is set when waiting on the process failed for a reason other than
	// a non-zero exit.
	Err error
}

// Handle tracks one launched generator process.
type Handle struct {
	id        string
	role      string
	generator string
	sizeMiB   int
	pid       int
	startedAt time.Time

	cmd    *exec.Cmd
	out    *lineWriter
	logger *slog.Logger

	terminated atomic.Bool
	done       chan struct{}
	mu         sync.Mutex
	exit       Exit
}

// ID returns the workload ID.
func (h *Handle) ID() string { return h.id }

// PID returns the child's process ID.
func (h *Handle) PID() int { return h.pid }

// Role returns the workload role (baseline or signal).
func (h *Handle) Role() string { return h.role }

// Generator returns the name of the generator that was started.
func (h *Handle) Generator() string { return h.generator }

// SizeMiB returns the requested allocation size.
func (h *Handle) SizeMiB() int { return h.sizeMiB }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Terminate sends SIGTERM to the child's process group. A child that has
// already exited is not an error.
func (h *Handle) Terminate() error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.terminated.Store(true)
	err := unix.Kill(-h.pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it left the group.
		err = h.cmd.Process.Signal(syscall.SIGTERM)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("terminate workload %s (pid %d): %w", h.id, h.pid, err)
	}
	h.logger.Debug("workload terminate sent", "workload_id", h.id, "pid", h.pid)
	return nil
}

// Wait blocks until the child has been reaped. There is no timeout: a
// generator that ignores SIGTERM blocks the caller until it exits.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit.Err
}

// Exit returns the exit record. It is only meaningful after Done is closed.
func (h *Handle) Exit() Exit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	if h.out != nil {
		h.out.flush()
	}

	exit := Exit{
		Code:       -1,
		Terminated: h.terminated.Load(),
		FinishedAt: time.Now(),
	}
	if st := h.cmd.ProcessState; st != nil {
		exit.Code = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signaled = true
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		exit.Err = fmt.Errorf("wait workload %s: %w", h.id, err)
	}

	h.mu.Lock()
	h.exit = exit
	h.mu.Unlock()

	workloadsActive.Dec()
	close(h.done)

	h.logger.Info("workload reaped",
		"workload_id", h.id,
		"role", h.role,
		"pid", h.pid,
		"exit_code", exit.Code,
		"signaled", exit.Signaled,
		"terminated", exit.Terminated,
		"duration_ms", exit.FinishedAt.Sub(h.startedAt).Milliseconds(),
	)
}
