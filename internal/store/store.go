package store

import (
	"context"
	"errors"

	"github.com/seantiz/contend/internal/model"
)

// ErrInvalidTransition is returned when a workload or run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// WorkloadStats holds aggregate statistics over the ledger.
type WorkloadStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByRole      map[string]int `json:"count_by_role"`
	CountByGenerator map[string]int `json:"count_by_generator"`
	RunsByStatus     map[string]int `json:"runs_by_status"`
	AvgSizeMiB       float64        `json:"avg_size_mib"`
}

// Store defines the persistence operations for runs, workloads and their output.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, r *model.Run) error

	CreateWorkload(ctx context.Context, w *model.Workload) error
	GetWorkload(ctx context.Context, id string) (*model.Workload, error)
	ListWorkloads(ctx context.Context, runID string, limit, offset int) ([]*model.Workload, int, error)
	UpdateWorkloadStatus(ctx context.Context, id, status string) error
	UpdateWorkload(ctx context.Context, w *model.Workload) error
	GetWorkloadStats(ctx context.Context) (*WorkloadStats, error)

	InsertLogLine(ctx context.Context, workloadID string, seq int, line string) error
	GetLogLines(ctx context.Context, workloadID string) ([]model.LogLine, error)

	Close() error
}
