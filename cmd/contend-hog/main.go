// Command contend-hog allocates and holds a fixed amount of resident memory.
// It is the built-in contention generator used when stress-ng is not
// installed:
//
//	contend-hog --mib 1024 [--timeout 10s]
//
// It exits 0 on SIGINT, SIGTERM or timeout and 1 on any allocation or usage
// error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/seantiz/contend/internal/backend/hog"
	"github.com/seantiz/contend/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "contend-hog: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var mib int
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("contend-hog", pflag.ContinueOnError)
	flagSet.IntVar(&mib, "mib", 0, "mebibytes to allocate and hold")
	flagSet.DurationVar(&timeout, "timeout", 0, "release the allocation after this long (0 holds until signalled)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("unexpected arguments %v", flagSet.Args())
	}

	logger := config.NewLogger(os.Stderr, config.Load().LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("contend-hog: holding memory",
		"pid", os.Getpid(),
		"size", humanize.IBytes(uint64(mib)<<20),
		"timeout", timeout.String(),
	)

	pages, err := hog.Hold(ctx, mib)
	if err != nil {
		return err
	}

	logger.Info("contend-hog: released", "pages", pages)
	return nil
}
