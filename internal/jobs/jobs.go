// Package jobs is a typed client for the control plane's job resources.
package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/transport"
)

// ErrNotFound is returned by Find when no job matches the identifier.
var ErrNotFound = errors.New("job not found")

// CreateOptions describes a job to submit. Zero values select defaults:
// one l40s GPU, interruptible pricing and no command.
type CreateOptions struct {
	Image   string
	Command string
	GPUType string
	// GPUCount defaults to 1.
	GPUCount int
	Region   string
	// Runtime is the lease budget in seconds.
	Runtime int
	// Interruptible defaults to true when nil.
	Interruptible *bool
	Env           map[string]string
	Ports         map[string]int
	Auth          bool
	RegistryAuth  *model.RegistryAuth
}

// Request builds the wire body for opts.
func (o CreateOptions) Request() model.CreateJobRequest {
	req := model.CreateJobRequest{
		DockerImage:   o.Image,
		GPUType:       o.GPUType,
		GPUCount:      o.GPUCount,
		Interruptible: true,
		Region:        o.Region,
		Runtime:       o.Runtime,
		EnvVars:       o.Env,
		Ports:         o.Ports,
		Auth:          o.Auth,
		RegistryAuth:  o.RegistryAuth,
	}
	if req.GPUType == "" {
		req.GPUType = model.DefaultGPUType
	}
	if req.GPUCount <= 0 {
		req.GPUCount = 1
	}
	if o.Interruptible != nil {
		req.Interruptible = *o.Interruptible
	}
	if o.Command != "" {
		req.Command = base64.StdEncoding.EncodeToString([]byte(o.Command))
	}
	return req
}

// Client performs job operations over a transport.
type Client struct {
	t          *transport.Client
	lookupHost func(ctx context.Context, host string) ([]string, error)
}

// New creates a jobs client.
func New(t *transport.Client) *Client {
	return &Client{
		t:          t,
		lookupHost: net.DefaultResolver.LookupHost,
	}
}

func jobPath(id string, sub ...string) string {
	p := "/jobs/" + url.PathEscape(id)
	for _, s := range sub {
		p += "/" + s
	}
	return p
}

// List returns jobs, optionally filtered by state. Both a {"jobs": [...]}
// envelope and a bare array are accepted.
func (c *Client) List(ctx context.Context, state model.State) ([]model.Job, error) {
	var q url.Values
	if state != "" {
		q = url.Values{"state": {string(state)}}
	}
	var raw json.RawMessage
	if err := c.t.Get(ctx, "/jobs", q, &raw); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := decodeJobList(raw)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func decodeJobList(raw json.RawMessage) ([]model.Job, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []model.Job{}, nil
	}
	var jobs []model.Job
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &jobs); err != nil {
			return nil, fmt.Errorf("decode job list: %w", err)
		}
	} else {
		var env struct {
			Jobs []model.Job `json:"jobs"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode job list: %w", err)
		}
		jobs = env.Jobs
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	return jobs, nil
}

// Get fetches one job.
func (c *Client) Get(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	if err := c.t.Get(ctx, jobPath(id), nil, &j); err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// Create submits a new job.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (*model.Job, error) {
	var j model.Job
	if err := c.t.Post(ctx, "/jobs", opts.Request(), &j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &j, nil
}

// Cancel asks the control plane to stop a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.t.Delete(ctx, jobPath(id), nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// Extend sets a job's runtime budget and returns the updated job.
func (c *Client) Extend(ctx context.Context, id string, runtime int) (*model.Job, error) {
	var j model.Job
	body := map[string]int{"runtime": runtime}
	if err := c.t.Patch(ctx, jobPath(id), body, &j); err != nil {
		return nil, fmt.Errorf("extend job %s: %w", id, err)
	}
	return &j, nil
}

// Logs returns the job's retained log output as one string.
func (c *Client) Logs(ctx context.Context, id string) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.t.Get(ctx, jobPath(id, "logs"), nil, &out); err != nil {
		return "", fmt.Errorf("get logs for job %s: %w", id, err)
	}
	return out.Logs, nil
}

// Metrics returns the latest GPU and system metrics of a job.
func (c *Client) Metrics(ctx context.Context, id string) (*model.JobMetrics, error) {
	var m model.JobMetrics
	if err := c.t.Get(ctx, jobPath(id, "metrics"), nil, &m); err != nil {
		return nil, fmt.Errorf("get metrics for job %s: %w", id, err)
	}
	m.Normalize()
	return &m, nil
}

// Token returns the per-job credential used to reach the job's service.
func (c *Client) Token(ctx context.Context, id string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.t.Get(ctx, jobPath(id, "token"), nil, &out); err != nil {
		return "", fmt.Errorf("get token for job %s: %w", id, err)
	}
	return out.Token, nil
}

// LooksLikeID reports whether s has the shape of a job UUID.
func LooksLikeID(s string) bool {
	return strings.Contains(s, "-") && len(s) > 30
}

// Find resolves identifier to a job. UUID-shaped identifiers are fetched
// directly; anything else is matched against job hostnames (exact, then
// prefix) and finally against the IPv4 addresses those hostnames resolve to.
func (c *Client) Find(ctx context.Context, identifier string, state model.State) (*model.Job, error) {
	if LooksLikeID(identifier) {
		j, err := c.Get(ctx, identifier)
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) {
			return nil, ErrNotFound
		}
		return j, err
	}

	list, err := c.List(ctx, state)
	if err != nil {
		return nil, err
	}
	if j := findByHostname(list, identifier); j != nil {
		return j, nil
	}
	if net.ParseIP(identifier) == nil {
		return nil, ErrNotFound
	}
	for i := range list {
		if list[i].Hostname == "" {
			continue
		}
		addrs, err := c.lookupHost(ctx, list[i].Hostname)
		if err != nil {
			continue
		}
		if slices.Contains(addrs, identifier) {
			return &list[i], nil
		}
	}
	return nil, ErrNotFound
}

func findByHostname(list []model.Job, hostname string) *model.Job {
	for i := range list {
		if list[i].Hostname == hostname {
			return &list[i]
		}
	}
	for i := range list {
		if list[i].Hostname != "" && strings.HasPrefix(list[i].Hostname, hostname) {
			return &list[i]
		}
	}
	return nil
}
