package store

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrInvalidTransition is returned when a job state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByGPUType map[string]int `json:"count_by_gpu_type"`
	AvgRuntimeS    float64        `json:"avg_runtime_s"`
}

// Record is a job plus the fields only the control plane sees.
type Record struct {
	model.Job
	Token   string
	Command string
	Env     map[string]string
	Ports   map[string]int
	Auth    bool
}

// Store defines the persistence operations for jobs and their logs.
type Store interface {
	CreateJob(ctx context.Context, r *Record) error
	GetJob(ctx context.Context, id string) (*Record, error)
	GetJobByKey(ctx context.Context, key string) (*Record, error)
	ListJobs(ctx context.Context, state model.State, limit, offset int) ([]*model.Job, int, error)
	UpdateJobState(ctx context.Context, id string, state model.State, hostname string) (*model.Job, error)
	UpdateJobRuntime(ctx context.Context, id string, runtime int) (*model.Job, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertLogLine(ctx context.Context, jobID string, seq int, line string) error
	GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error)
	Close() error
}
