// Package job wraps control-plane jobs in handles that track their lifecycle
// and decide readiness from both the reported state and a service health probe.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/transport"
)

// DefaultRuntime is the lease budget of jobs created through a Manager.
const DefaultRuntime = 3600

// ErrNoRunningJob is returned by GetRunning when no running job matches.
var ErrNoRunningJob = errors.New("no running job matches")

// JobService is the part of the jobs API a handle drives.
type JobService interface {
	List(ctx context.Context, state model.State) ([]model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Create(ctx context.Context, opts jobs.CreateOptions) (*model.Job, error)
	Cancel(ctx context.Context, id string) error
	Extend(ctx context.Context, id string, runtime int) (*model.Job, error)
	Token(ctx context.Context, id string) (string, error)
	Find(ctx context.Context, identifier string, state model.State) (*model.Job, error)
}

var _ JobService = (*jobs.Client)(nil)

// Manager creates and attaches handles for one service profile.
type Manager struct {
	svc            JobService
	service        Service
	apiKey         string
	logger         *slog.Logger
	probe          *transport.Client
	probeBackoff   time.Duration
	healthInterval time.Duration
	useLB          bool
	useAuth        bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithAPIKey sets the credential sent to job services when job-token auth
// is off.
func WithAPIKey(key string) Option {
	return func(m *Manager) { m.apiKey = key }
}

// WithLogger sets the logger for lifecycle diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHTTPClient sets the client used for health probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) {
		m.probe = transport.New("", "", transport.WithHTTPClient(hc))
	}
}

// WithProbeBackoff sets the wait step between a probe's local retries.
func WithProbeBackoff(d time.Duration) Option {
	return func(m *Manager) { m.probeBackoff = d }
}

// WithHealthInterval sets the pause between health probes while waiting.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) { m.healthInterval = d }
}

// WithLoadBalancer makes new handles address their service over HTTPS
// through the job's load balancer instead of the service port.
func WithLoadBalancer(on bool) Option {
	return func(m *Manager) { m.useLB = on }
}

// WithJobAuth makes new handles authenticate to their service with the
// per-job token instead of the API key.
func WithJobAuth(on bool) Option {
	return func(m *Manager) { m.useAuth = on }
}

// NewManager creates a Manager for service.
func NewManager(svc JobService, service Service, opts ...Option) *Manager {
	m := &Manager{
		svc:            svc,
		service:        service,
		logger:         slog.New(slog.DiscardHandler),
		probe:          transport.New("", ""),
		probeBackoff:   transport.DefaultBackoff,
		healthInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Service returns the profile handles are created for.
func (m *Manager) Service() Service {
	return m.service
}

// Attach wraps an already fetched job.
func (m *Manager) Attach(j model.Job) *Handle {
	return &Handle{
		m:       m,
		job:     j,
		useLB:   m.useLB,
		useAuth: m.useAuth,
	}
}

// Create submits a job, filling unset options from the service profile.
func (m *Manager) Create(ctx context.Context, opts jobs.CreateOptions) (*Handle, error) {
	if opts.Image == "" {
		opts.Image = m.service.DefaultImage
	}
	if opts.GPUType == "" {
		opts.GPUType = m.service.DefaultGPUType
	}
	if opts.GPUCount <= 0 {
		opts.GPUCount = 1
	}
	if opts.Runtime <= 0 {
		opts.Runtime = DefaultRuntime
	}
	if opts.Image == "" {
		return nil, errors.New("create job: image is required")
	}
	j, err := m.svc.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job created",
		"job_id", j.ID,
		"service", m.service.Name,
		"image", opts.Image,
		"gpu_type", opts.GPUType,
		"gpu_count", opts.GPUCount,
	)
	return m.Attach(*j), nil
}

// TemplateOptions configures CreateForTemplate.
type TemplateOptions struct {
	GPUType  string
	GPUCount int
	Runtime  int
	Region   string
	// LBPort routes the service through the load balancer on this port.
	LBPort int
	Auth   bool
	Env    map[string]string
}

// CreateForTemplate starts a service job preloaded with a named workflow
// template. The template is passed through the COMFYUI_TEMPLATES variable.
func (m *Manager) CreateForTemplate(ctx context.Context, template string, o TemplateOptions) (*Handle, error) {
	env := make(map[string]string, len(o.Env)+1)
	for k, v := range o.Env {
		env[k] = v
	}
	env["COMFYUI_TEMPLATES"] = template

	ports := map[string]int{}
	if o.LBPort > 0 {
		ports["lb"] = o.LBPort
	} else if m.service.Port > 0 {
		ports[strconv.Itoa(m.service.Port)] = m.service.Port
	}

	h, err := m.Create(ctx, jobs.CreateOptions{
		GPUType:  o.GPUType,
		GPUCount: o.GPUCount,
		Runtime:  o.Runtime,
		Region:   o.Region,
		Env:      env,
		Ports:    ports,
		Auth:     o.Auth,
	})
	if err != nil {
		return nil, err
	}
	h.template = template
	h.useLB = o.LBPort > 0
	h.useAuth = o.Auth
	return h, nil
}

// GetRunning returns a handle for the first running job whose image contains
// imageFilter. An empty filter matches any job.
func (m *Manager) GetRunning(ctx context.Context, imageFilter string) (*Handle, error) {
	list, err := m.svc.List(ctx, model.StateRunning)
	if err != nil {
		return nil, err
	}
	for _, j := range list {
		if imageFilter != "" && !strings.Contains(j.Image, imageFilter) {
			continue
		}
		return m.Attach(j), nil
	}
	return nil, ErrNoRunningJob
}

// GetOrCreate reuses a running job of the requested image when reuse is set
// and one exists, and creates one otherwise.
func (m *Manager) GetOrCreate(ctx context.Context, opts jobs.CreateOptions, reuse bool) (*Handle, error) {
	if reuse {
		filter := opts.Image
		if filter == "" {
			filter = m.service.DefaultImage
		}
		h, err := m.GetRunning(ctx, filter)
		if err == nil {
			m.logger.Info("reusing running job", "job_id", h.ID(), "image", h.Job().Image)
			return h, nil
		}
		if !errors.Is(err, ErrNoRunningJob) {
			return nil, err
		}
	}
	return m.Create(ctx, opts)
}

// GetByInstance attaches to the job matching a job id, hostname or IP.
// An empty state searches running jobs.
func (m *Manager) GetByInstance(ctx context.Context, identifier string, state model.State) (*Handle, error) {
	if state == "" {
		state = model.StateRunning
	}
	j, err := m.svc.Find(ctx, identifier, state)
	if err != nil {
		return nil, fmt.Errorf("find job %q: %w", identifier, err)
	}
	return m.Attach(*j), nil
}
