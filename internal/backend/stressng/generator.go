// Package stressng drives the stress-ng virtual-memory stressor as a
// contention generator.
package stressng

import (
	"strconv"

	"github.com/seantiz/contend/internal/backend"
)

// Generator implements backend.Generator for stress-ng.
type Generator struct {
	bin string
}

// Compile-time check that Generator implements backend.Generator.
var _ backend.Generator = (*Generator)(nil)

// New returns a stress-ng generator using bin, or DefaultBin when bin is empty.
func New(bin string) *Generator {
	if bin == "" {
		bin = DefaultBin
	}
	return &Generator{bin: bin}
}

// Command builds
//
//	stress-ng --vm-bytes <N>M --vm-keep -m 1 [--timeout <S>]
//
// --vm-keep makes the worker hold one mapping instead of remapping it, so the
// resident size stays at N MiB for the life of the process.
func (g *Generator) Command(spec backend.WorkloadSpec) (string, []string) {
	args := []string{
		"--vm-bytes", strconv.Itoa(spec.SizeMiB) + "M",
		"--vm-keep",
		"-m", vmWorkers,
	}
	if spec.TimeoutS > 0 {
		args = append(args, "--timeout", strconv.Itoa(spec.TimeoutS))
	}
	return g.bin, args
}

// Capabilities reports the stress-ng generator's capabilities.
func (g *Generator) Capabilities() backend.GeneratorCapabilities {
	return backend.GeneratorCapabilities{
		Name:            GeneratorName,
		Binary:          g.bin,
		SupportsTimeout: true,
	}
}
