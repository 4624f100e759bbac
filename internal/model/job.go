package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// State is the lifecycle state reported by the control plane for a job.
type State string

// Job state constants.
const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateTerminated State = "terminated"
)

// DefaultGPUType is used when a create request does not name a GPU type.
const DefaultGPUType = "l40s"

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTerminated:
		return true
	}
	return false
}

// IsWaiting reports whether the job has not been scheduled yet.
func (s State) IsWaiting() bool {
	return s == StatePending || s == StateQueued
}

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateQueued:    true,
		StateRunning:   true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateQueued: {
		StateRunning:   true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateRunning: {
		StateCompleted:  true,
		StateFailed:     true,
		StateCancelled:  true,
		StateTerminated: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Timestamp is a point in time carried on the wire as unix seconds.
// RFC 3339 strings are accepted on decode.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, truncated to millisecond precision.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	secs := float64(t.UnixMilli()) / 1000
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64)), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

// Job is one remote compute lease as reported by the control plane.
// Hostname is empty until the job has been observed running.
type Job struct {
	ID             string     `json:"job_id"`
	Key            string     `json:"job_key"`
	State          State      `json:"state"`
	GPUType        string     `json:"gpu_type"`
	GPUCount       int        `json:"gpu_count"`
	Region         string     `json:"region"`
	Interruptible  bool       `json:"interruptible"`
	PricePerHour   float64    `json:"price_per_hour"`
	PricePerSecond float64    `json:"price_per_second"`
	Image          string     `json:"docker_image"`
	Runtime        int        `json:"runtime"`
	Hostname       string     `json:"hostname,omitempty"`
	CreatedAt      *Timestamp `json:"created_at,omitempty"`
	StartedAt      *Timestamp `json:"started_at,omitempty"`
	CompletedAt    *Timestamp `json:"completed_at,omitempty"`
}

// UnmarshalJSON applies the control plane's implicit defaults: a missing
// gpu_count means one GPU and a missing interruptible flag means true.
func (j *Job) UnmarshalJSON(b []byte) error {
	type plain Job
	p := plain{GPUCount: 1, Interruptible: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.GPUCount <= 0 {
		p.GPUCount = 1
	}
	*j = Job(p)
	return nil
}

// Scheduled reports whether the job is running with a reachable hostname.
func (j Job) Scheduled() bool {
	return j.State == StateRunning && j.Hostname != ""
}

// LogLine is a single persisted log line from a job.
type LogLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistryAuth holds credentials for pulling a private container image.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateJobRequest is the wire body of a job submission. Command is base64
// encoded.
type CreateJobRequest struct {
	DockerImage   string            `json:"docker_image"`
	GPUType       string            `json:"gpu_type"`
	GPUCount      int               `json:"gpu_count"`
	Interruptible bool              `json:"interruptible"`
	Command       string            `json:"command"`
	Region        string            `json:"region,omitempty"`
	Runtime       int               `json:"runtime,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	Ports         map[string]int    `json:"ports,omitempty"`
	Auth          bool              `json:"auth,omitempty"`
	RegistryAuth  *RegistryAuth     `json:"registry_auth,omitempty"`
}
