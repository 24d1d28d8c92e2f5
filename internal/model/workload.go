package model

import "time"

// Workload status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// Workload role constants. The baseline load is launched before encoding;
// the signal load is the one whose size carries the transmitted bit.
const (
	RoleBaseline = "baseline"
	RoleSignal   = "signal"
)

// Run status constants.
const (
	RunPending     = "pending"
	RunEncoding    = "encoding"
	RunTransmitted = "transmitted"
	RunSuppressed  = "suppressed"
	RunCancelled   = "cancelled"
	RunFailed      = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final workload status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// validRunTransitions maps each run status to the statuses it may move to.
var validRunTransitions = map[string]map[string]bool{
	RunPending: {
		RunEncoding:  true,
		RunFailed:    true,
		RunCancelled: true,
	},
	RunEncoding: {
		RunTransmitted: true,
		RunSuppressed:  true,
		RunFailed:      true,
		RunCancelled:   true,
	},
}

// ValidRunTransition reports whether a run may move from one status to another.
func ValidRunTransition(from, to string) bool {
	return validRunTransitions[from][to]
}

// IsRunTerminal reports whether status is a final run status.
func IsRunTerminal(status string) bool {
	switch status {
	case RunTransmitted, RunSuppressed, RunCancelled, RunFailed:
		return true
	}
	return false
}

// LogLine represents a single persisted output line from a workload generator.
type LogLine struct {
	ID         int64     `json:"id"`
	WorkloadID string    `json:"workload_id"`
	Seq        int       `json:"seq"`
	Line       string    `json:"line"`
	CreatedAt  time.Time `json:"created_at"`
}

// Workload is a memory-stress generator process spawned inside the
// contention domain.
type Workload struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	Generator  string     `json:"generator"`
	Domain     string     `json:"domain"`
	PID        int        `json:"pid"`
	SizeMiB    int        `json:"size_mib"`
	TimeoutS   *int       `json:"timeout_s,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is one encoding run: a single secret offset pushed through the
// gadget and turned into a signal workload size.
type Run struct {
	ID          string     `json:"id"`
	Offset      int        `json:"offset"`
	Domain      string     `json:"domain"`
	Status      string     `json:"status"`
	MaliciousX  *int       `json:"malicious_x,omitempty"`
	Bit         *int       `json:"bit,omitempty"`
	SelectedMiB *int       `json:"selected_mib,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
