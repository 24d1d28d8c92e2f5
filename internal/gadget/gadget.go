package gadget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Predictor modes.
const (
	// ModeSpeculative runs the victim body when the bounds check passes or
	// the modelled predictor says it will.
	ModeSpeculative = "speculative"
	// ModeStrict runs the victim body only when the bounds check passes.
	ModeStrict = "strict"
)

// ErrOffsetRange is returned by Encode for an offset outside the secret.
var ErrOffsetRange = errors.New("offset out of range")

// Transmitter starts the signal workload of the selected size.
type Transmitter interface {
	Transmit(ctx context.Context, sizeMiB int) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(ctx context.Context, sizeMiB int) error

// Transmit calls f.
func (f TransmitterFunc) Transmit(ctx context.Context, sizeMiB int) error {
	return f(ctx, sizeMiB)
}

// Config parameterises the encoder.
type Config struct {
	// Rounds is the countdown length N; rounds N-1..1 train, round 0 attacks.
	Rounds int
	// TrainIndex is the in-bounds index used by training rounds.
	TrainIndex int
	// Spin is the busy-loop length between the bounds check and the read.
	Spin int
	// LowMiB is sent for a non-zero observed value, HighMiB for zero.
	LowMiB  int
	HighMiB int
	Mode    string
}

// Round is the trace of one victim invocation.
type Round struct {
	J         int  `json:"j"`
	X         int  `json:"x"`
	Predicted bool `json:"predicted"`
	InBounds  bool `json:"in_bounds"`
	Executed  bool `json:"executed"`
	Value     byte `json:"value"`
}

// Result describes one Encode call.
type Result struct {
	Offset     int     `json:"offset"`
	MaliciousX int     `json:"malicious_x"`
	Rounds     []Round `json:"rounds"`
	// Value is what the final round read, valid when Executed is set.
	Value    byte `json:"value"`
	Executed bool `json:"executed"`
	// SizeMiB is the selected signal size; zero when nothing was sent.
	SizeMiB     int  `json:"size_mib"`
	Transmitted bool `json:"transmitted"`
}

// Bit returns the transmitted bit, or -1 when nothing was sent.
func (r Result) Bit() int {
	if !r.Transmitted {
		return -1
	}
	if r.Value != 0 {
		return 1
	}
	return 0
}

// Gadget owns the layout, the bound and the predictor state.
type Gadget struct {
	layout *Layout
	cfg    Config
	tx     Transmitter
	logger *slog.Logger

	// bound is read on every call so the check cannot be hoisted.
	bound atomic.Int64

	mu   sync.Mutex
	pred predictor
}

// New validates cfg against layout and returns a ready encoder.
func New(layout *Layout, cfg Config, tx Transmitter, logger *slog.Logger) (*Gadget, error) {
	if cfg.Rounds < 2 || cfg.Rounds > roundMask {
		return nil, fmt.Errorf("rounds %d out of range [2, %d]", cfg.Rounds, roundMask)
	}
	if cfg.TrainIndex < 0 || cfg.TrainIndex >= layout.Size() {
		return nil, fmt.Errorf("train index %d out of range [0, %d)", cfg.TrainIndex, layout.Size())
	}
	if cfg.Spin < 0 {
		return nil, fmt.Errorf("spin %d must not be negative", cfg.Spin)
	}
	if cfg.LowMiB <= 0 || cfg.HighMiB <= 0 {
		return nil, fmt.Errorf("signal sizes %d/%d MiB must be positive", cfg.LowMiB, cfg.HighMiB)
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeSpeculative
	case ModeSpeculative, ModeStrict:
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if tx == nil {
		return nil, errors.New("transmitter is required")
	}

	g := &Gadget{
		layout: layout,
		cfg:    cfg,
		tx:     tx,
		logger: logger,
		pred:   newPredictor(),
	}
	g.bound.Store(int64(layout.Size()))
	return g, nil
}

// Encode runs the training countdown for offset and transmits the value the
// final round observed: LowMiB for non-zero, HighMiB for zero. The
// transmitter is called at most once. When the final round's body did not
// run, nothing is sent and Result.Transmitted is false.
//
// Cancellation is checked between rounds; a cancelled encode sends nothing.
func (g *Gadget) Encode(ctx context.Context, offset int) (Result, error) {
	if offset < 0 || offset >= g.layout.Size() {
		return Result{}, fmt.Errorf("%w: %d not in [0, %d)", ErrOffsetRange, offset, g.layout.Size())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res := Result{
		Offset:     offset,
		MaliciousX: g.layout.MaliciousX(offset),
		Rounds:     make([]Round, 0, g.cfg.Rounds),
	}

	for j := g.cfg.Rounds - 1; j >= 0; j-- {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("encode offset %d: %w", offset, err)
		}
		x := RoundIndex(j, g.cfg.Rounds, g.cfg.TrainIndex, res.MaliciousX)
		r := g.victim(x)
		r.J = j
		res.Rounds = append(res.Rounds, r)

		g.logger.Debug("gadget round",
			"j", j,
			"x", x,
			"predicted", r.Predicted,
			"in_bounds", r.InBounds,
			"executed", r.Executed,
		)
	}

	final := res.Rounds[len(res.Rounds)-1]
	res.Executed = final.Executed
	res.Value = final.Value
	if !final.Executed {
		encodesTotal.WithLabelValues(outcomeSuppressed).Inc()
		g.logger.Warn("final round did not execute, nothing transmitted",
			"offset", offset,
			"malicious_x", res.MaliciousX,
			"mode", g.cfg.Mode,
		)
		return res, nil
	}

	outcome := outcomeHigh
	res.SizeMiB = g.cfg.HighMiB
	if final.Value != 0 {
		outcome = outcomeLow
		res.SizeMiB = g.cfg.LowMiB
	}

	if err := g.tx.Transmit(ctx, res.SizeMiB); err != nil {
		encodesTotal.WithLabelValues(outcomeFailed).Inc()
		return res, fmt.Errorf("transmit %d MiB: %w", res.SizeMiB, err)
	}
	res.Transmitted = true
	encodesTotal.WithLabelValues(outcome).Inc()

	g.logger.Info("bit transmitted",
		"offset", offset,
		"malicious_x", res.MaliciousX,
		"contention", outcome,
		"size_mib", res.SizeMiB,
	)
	return res, nil
}

// victim is the guarded read. The barriers pin the order of the bound load,
// the check and the element load. It launches nothing itself: Encode acts on
// the value read in the final round only, so one signal workload starts per run.
func (g *Gadget) victim(x int) Round {
	barrier()
	inBounds := uint(x) < uint(g.bound.Load())
	predicted := g.pred.predict()
	barrier()

	r := Round{X: x, Predicted: predicted, InBounds: inBounds}
	if inBounds || (predicted && g.cfg.Mode == ModeSpeculative) {
		spin(g.cfg.Spin)
		r.Value = g.layout.load(x)
		r.Executed = true
	}
	barrier()

	g.pred.update(inBounds)
	roundsTotal.Inc()
	if predicted != inBounds {
		mispredictionsTotal.Inc()
	}
	return r
}

var fence atomic.Uint64

// barrier is an atomic read-modify-write the compiler cannot move loads or
// stores across.
//
//go:noinline
func barrier() {
	fence.Add(1)
}

// spin widens the window between the check and the read.
//
//go:noinline
func spin(n int) {
	for i := range n {
		fence.Store(uint64(i))
	}
}
