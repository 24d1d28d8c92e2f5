package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Domain is the part of the contention domain the controller tears down.
type Domain interface {
	Path() string
	Destroy() error
}

// Controller installs signal handling and runs the cleanup sequence.
type Controller struct {
	registry *Registry
	domain   Domain
	logger   *slog.Logger

	sigCh     chan os.Signal
	stop      chan struct{}
	cancel    context.CancelFunc
	cancelled atomic.Bool
	received  atomic.Value // os.Signal

	stopOnce     sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewController creates a controller for the workloads in registry and the
// given domain.
func NewController(registry *Registry, domain Domain, logger *slog.Logger) *Controller {
	return &Controller{
		registry: registry,
		domain:   domain,
		logger:   logger,
		sigCh:    make(chan os.Signal, 1),
		stop:     make(chan struct{}),
	}
}

// Install starts catching SIGINT and SIGTERM. The returned context is
// cancelled when either arrives. Signals that arrive after the first are
// absorbed so they cannot cut cleanup short. Install must be called once.
func (c *Controller) Install(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.watch()
	return ctx
}

func (c *Controller) watch() {
	select {
	case sig := <-c.sigCh:
		c.received.Store(sig)
		c.cancelled.Store(true)
		c.cancel()
		c.logger.Info("termination signal received", "signal", sig.String())
	case <-c.stop:
	}
}

// Cancelled reports whether a termination signal has been received.
func (c *Controller) Cancelled() bool {
	return c.cancelled.Load()
}

// Signal returns the signal that cancelled the run, or nil.
func (c *Controller) Signal() os.Signal {
	sig, _ := c.received.Load().(os.Signal)
	return sig
}

// Shutdown terminates every tracked workload, waits until each has been
// reaped and then removes the domain. Waiting is unbounded. Only the first
// call does any work; later calls return the same result.
//
// Errors are reported but never stop the sequence: every workload is waited
// for and removal is always attempted.
func (c *Controller) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown()
	})
	return c.shutdownErr
}

func (c *Controller) shutdown() error {
	workloads := c.registry.Snapshot()
	c.logger.Info("shutting down", "workloads", len(workloads), "domain", c.domain.Path())

	var errs []error
	for _, w := range workloads {
		if err := w.Terminate(); err != nil {
			c.logger.Error("terminate workload", "workload_id", w.ID(), "pid", w.PID(), "error", err)
			errs = append(errs, err)
		}
	}
	for _, w := range workloads {
		if err := w.Wait(); err != nil {
			c.logger.Error("reap workload", "workload_id", w.ID(), "pid", w.PID(), "error", err)
			errs = append(errs, err)
		}
	}

	if err := c.domain.Destroy(); err != nil {
		c.logger.Error("domain left behind", "domain", c.domain.Path(), "error", err)
		errs = append(errs, fmt.Errorf("destroy domain: %w", err))
	}

	c.logger.Info("shutdown complete", "workloads", len(workloads))
	return errors.Join(errs...)
}

// Stop releases signal handling. Call it after Shutdown so a late signal
// cannot interrupt cleanup.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		signal.Stop(c.sigCh)
		close(c.stop)
		if c.cancel != nil {
			c.cancel()
		}
	})
}
