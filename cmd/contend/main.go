// Command contend is the sending side of a memory-contention channel. It
// leaks one secret bit per invocation: a bounds-check-bypass gadget reads
// the bit at the given offset and the value selects how much memory a
// stress workload allocates inside a dedicated cgroup.
//
//	contend [flags] <offset>
//
// Exit status is 0 on success or when stopped by SIGINT/SIGTERM, and 1 on a
// usage, setup or spawn failure. Workloads are always stopped and the cgroup
// removed before exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/seantiz/contend/internal/api"
	"github.com/seantiz/contend/internal/backend"
	"github.com/seantiz/contend/internal/backend/hog"
	"github.com/seantiz/contend/internal/backend/stressng"
	"github.com/seantiz/contend/internal/cgroup"
	"github.com/seantiz/contend/internal/config"
	"github.com/seantiz/contend/internal/engine"
	"github.com/seantiz/contend/internal/gadget"
	"github.com/seantiz/contend/internal/lifecycle"
	"github.com/seantiz/contend/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.Load()

	flagSet := pflag.NewFlagSet("contend", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Generator, "generator", cfg.Generator, "stress generator: auto, stress-ng or hog")
	flagSet.StringVar(&cfg.GadgetMode, "mode", cfg.GadgetMode, "gadget mode: speculative or strict")
	flagSet.DurationVar(&cfg.Hold, "hold", cfg.Hold, "stop holding after this long (0 waits for the signal workload)")
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "serve the read-only status API on this address")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: contend [flags] <offset>\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	bits, err := cfg.SecretBits()
	if err != nil {
		logger.Error("invalid secret", "error", err)
		return 1
	}
	offset, err := engine.ParseOffset(flagSet.Args())
	if err == nil && (offset < 0 || offset >= len(bits)) {
		err = fmt.Errorf("%w: offset %d outside [0, %d]", engine.ErrUsage, offset, len(bits)-1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "contend: %v\n", err)
		flagSet.Usage()
		return 1
	}

	layout, err := gadget.NewLayout(bits)
	if err != nil {
		logger.Error("build gadget layout", "error", err)
		return 1
	}

	if err := cgroup.Verify(cfg.CgroupRoot); err != nil {
		logger.Warn("cgroup root check failed, continuing", "root", cfg.CgroupRoot, "error", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Error("open database", "db_path", cfg.DBPath, "error", err)
		return 1
	}
	defer db.Close()

	generators := backend.NewRegistry()
	generators.Register(stressng.GeneratorName, stressng.New(cfg.StressNGBin))
	generators.Register(hog.GeneratorName, hog.New(cfg.HogBin))

	domain := cgroup.NewFSClient(cfg.CgroupRoot, cfg.Domain, logger)
	tracked := lifecycle.NewRegistry(lifecycle.DefaultCapacity)

	eng, err := engine.NewEngine(db, domain, generators, tracked, layout, engine.Options{
		MemoryMax:       cfg.MemoryMax,
		Generator:       cfg.Generator,
		BaselineMiB:     cfg.BaselineMiB,
		SignalTimeoutS:  cfg.SignalTimeoutS,
		PrimeDelay:      cfg.PrimeDelay,
		Hold:            cfg.Hold,
		SmokeRead:       cfg.SmokeRead,
		CloneIntoCgroup: cfg.CloneIntoCgroup,
		Gadget: gadget.Config{
			Rounds:     cfg.TrainingRounds,
			TrainIndex: cfg.TrainIndex,
			Spin:       cfg.Spin,
			LowMiB:     cfg.LowMiB,
			HighMiB:    cfg.HighMiB,
			Mode:       cfg.GadgetMode,
		},
	}, logger)
	if err != nil {
		logger.Error("create engine", "error", err)
		return 1
	}

	logger.Info("contend: starting",
		"offset", offset,
		"domain", domain.Path(),
		"generator", cfg.Generator,
		"mode", cfg.GadgetMode,
		"db_path", cfg.DBPath,
		"listen_addr", cfg.ListenAddr,
	)

	ctl := lifecycle.NewController(tracked, domain, logger)
	ctx := ctl.Install(context.Background())
	defer ctl.Stop()

	apiCtx, stopAPI := context.WithCancel(context.Background())
	apiDone := make(chan error, 1)
	if cfg.ListenAddr != "" {
		srv := api.NewServer(cfg.ListenAddr, db, generators, domain, eng.Broker(), logger)
		go func() { apiDone <- srv.Run(apiCtx) }()
	} else {
		close(apiDone)
	}

	result, runErr := eng.Run(ctx, offset)

	shutdownErr := ctl.Shutdown()
	ctl.Stop()
	eng.Wait()

	stopAPI()
	if err := <-apiDone; err != nil {
		logger.Error("status api", "error", err)
	}

	if shutdownErr != nil {
		logger.Error("cleanup incomplete", "error", shutdownErr)
	}

	switch {
	case ctl.Cancelled():
		logger.Info("contend: stopped by signal", "signal", ctl.Signal().String())
		return 0
	case runErr != nil:
		logger.Error("run failed", "error", runErr)
		return 1
	}

	attrs := []any{"run_id", result.ID, "status", result.Status}
	if result.Bit != nil {
		attrs = append(attrs, "bit", *result.Bit, "size_mib", *result.SelectedMiB)
	}
	logger.Info("contend: done", attrs...)
	return 0
}
