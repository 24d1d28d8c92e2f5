package backend

import "github.com/seantiz/contend/internal/model"

// Workload roles, shared with the run ledger.
const (
	// RoleBaseline is the contention load started before encoding.
	RoleBaseline = model.RoleBaseline
	// RoleSignal is the size-selected load started by the encode step.
	RoleSignal = model.RoleSignal
)

// Generator is the interface that all memory-stress generators must
// implement. A generator never runs anything itself; it describes the
// command line and the launcher owns the process.
type Generator interface {
	// Command returns the executable and arguments that allocate
	// spec.SizeMiB mebibytes with one worker and keep them resident.
	Command(spec WorkloadSpec) (bin string, args []string)

	// Capabilities reports what this generator supports.
	Capabilities() GeneratorCapabilities
}

// WorkloadSpec describes one generator invocation.
type WorkloadSpec struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	Role    string `json:"role"`
	SizeMiB int    `json:"size_mib"`

	// TimeoutS bounds how long the generator holds its allocation.
	// Zero means until it is terminated.
	TimeoutS int `json:"timeout_s"`

	// LogWriter is an optional callback the launcher invokes for every line
	// the generator writes to stdout or stderr.
	LogWriter func(line string) `json:"-"`
}

// GeneratorCapabilities describes a generator.
type GeneratorCapabilities struct {
	Name   string `json:"name"`
	Binary string `json:"binary"`
	// SupportsTimeout reports whether TimeoutS is honored.
	SupportsTimeout bool `json:"supports_timeout"`
	// MaxSizeMiB is the largest allocation accepted, 0 for no limit.
	MaxSizeMiB int `json:"max_size_mib"`
}
