// Package hog is the built-in memory-stress generator: a small Go program
// (cmd/contend-hog) that maps N MiB, touches every page and holds the
// mapping until it is told to stop. It stands in for stress-ng on hosts
// that do not have it installed.
package hog

import (
	"strconv"

	"github.com/seantiz/contend/internal/backend"
)

// GeneratorName is the name used when registering with the generator registry.
const GeneratorName = "hog"

// DefaultBin is looked up on PATH when no explicit binary is configured.
const DefaultBin = "contend-hog"

// Generator implements backend.Generator for contend-hog.
type Generator struct {
	bin string
}

// Compile-time check that Generator implements backend.Generator.
var _ backend.Generator = (*Generator)(nil)

// New returns a hog generator using bin, or DefaultBin when bin is empty.
func New(bin string) *Generator {
	if bin == "" {
		bin = DefaultBin
	}
	return &Generator{bin: bin}
}

// Command builds "contend-hog --mib N [--timeout S]".
func (g *Generator) Command(spec backend.WorkloadSpec) (string, []string) {
	args := []string{"--mib", strconv.Itoa(spec.SizeMiB)}
	if spec.TimeoutS > 0 {
		args = append(args, "--timeout", strconv.Itoa(spec.TimeoutS)+"s")
	}
	return g.bin, args
}

// Capabilities reports the hog generator's capabilities.
func (g *Generator) Capabilities() backend.GeneratorCapabilities {
	return backend.GeneratorCapabilities{
		Name:            GeneratorName,
		Binary:          g.bin,
		SupportsTimeout: true,
		MaxSizeMiB:      MaxSizeMiB,
	}
}
