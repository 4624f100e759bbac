package job

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/transport"
)

const (
	DefaultWaitTimeout     = 300 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultDNSDelay        = 15 * time.Second
	DefaultExistingTimeout = 15 * time.Second

	healthProbeAttempts = 3
)

// ErrTokenNotLoaded is returned by AuthHeader when job-token auth is on but
// JobToken has not been called yet.
var ErrTokenNotLoaded = errors.New("job token not loaded")

// Handle tracks one job. Refreshes are serialized; accessors return
// snapshots and are safe to call from other goroutines.
type Handle struct {
	m *Manager

	refreshMu sync.Mutex

	mu       sync.Mutex
	job      model.Job
	baseURL  string
	useLB    bool
	useAuth  bool
	token    string
	template string
}

// ID returns the job id.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.ID
}

// Job returns a copy of the last fetched job.
func (h *Handle) Job() model.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// Template returns the workflow template the job was created for, if any.
func (h *Handle) Template() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.template
}

// Service returns the handle's service profile.
func (h *Handle) Service() Service {
	return h.m.service
}

// SetUseLB switches between load-balancer and direct addressing.
func (h *Handle) SetUseLB(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useLB = on
	h.baseURL = ""
}

// BaseURL returns the service URL for the job, or "" before a hostname is
// assigned. The value is cached until the next refresh.
func (h *Handle) BaseURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseURLLocked()
}

func (h *Handle) baseURLLocked() string {
	if h.baseURL != "" || h.job.Hostname == "" {
		return h.baseURL
	}
	switch {
	case h.useLB:
		h.baseURL = "https://" + h.job.Hostname
	case h.m.service.Port > 0:
		h.baseURL = "http://" + h.job.Hostname + ":" + strconv.Itoa(h.m.service.Port)
	default:
		h.baseURL = "http://" + h.job.Hostname
	}
	return h.baseURL
}

// Refresh re-fetches the job and drops the cached service URL. Concurrent
// calls run one at a time.
func (h *Handle) Refresh(ctx context.Context) error {
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()

	id := h.ID()
	j, err := h.m.svc.Get(ctx, id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	prev := h.job.State
	h.job = *j
	h.baseURL = ""
	h.mu.Unlock()

	if prev != j.State {
		if prev != "" && !model.ValidTransition(prev, j.State) {
			h.m.logger.Warn("unexpected job state transition", "job_id", id, "from", prev, "to", j.State)
		} else {
			h.m.logger.Debug("job state changed", "job_id", id, "from", prev, "to", j.State)
		}
	}
	return nil
}

// WaitForRunning polls the job every poll interval until it is running with
// a hostname (true), reaches a terminal state (false) or timeout elapses
// (false). Fetch errors and context cancellation are returned.
func (h *Handle) WaitForRunning(ctx context.Context, timeout, poll time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return h.waitForRunning(ctx, time.Now().Add(timeout), poll)
}

func (h *Handle) waitForRunning(ctx context.Context, deadline time.Time, poll time.Duration) (bool, error) {
	for time.Now().Before(deadline) {
		if err := h.Refresh(ctx); err != nil {
			return false, err
		}
		j := h.Job()
		if j.Scheduled() {
			return true, nil
		}
		if j.State.IsTerminal() {
			return false, nil
		}
		if err := sleepUntil(ctx, poll, deadline); err != nil {
			return false, err
		}
	}
	return false, nil
}

// ReadyOptions configures WaitReady. Zero Timeout and PollInterval select
// the defaults; DNSDelay is used as given.
type ReadyOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// DNSDelay is slept once the job is running, before the first health
	// probe, to let its hostname propagate.
	DNSDelay time.Duration
}

// DefaultReadyOptions returns the options used for freshly created jobs.
func DefaultReadyOptions() ReadyOptions {
	return ReadyOptions{
		Timeout:      DefaultWaitTimeout,
		PollInterval: DefaultPollInterval,
		DNSDelay:     DefaultDNSDelay,
	}
}

// WaitReady waits for the job to be running and then for its service to
// pass a health probe, all within one overall timeout. A terminal state or
// timeout yields false; the deadline is checked between polls, so
// cancellation latency is one poll interval.
func (h *Handle) WaitReady(ctx context.Context, o ReadyOptions) (bool, error) {
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	deadline := time.Now().Add(o.Timeout)

	if err := h.Refresh(ctx); err != nil {
		return false, err
	}
	j := h.Job()
	if j.State.IsTerminal() {
		return false, nil
	}
	if !j.Scheduled() {
		ok, err := h.waitForRunning(ctx, deadline, o.PollInterval)
		if !ok || err != nil {
			return false, err
		}
	}

	if o.DNSDelay > 0 {
		if err := sleepCtx(ctx, o.DNSDelay); err != nil {
			return false, err
		}
	}
	return h.pollHealth(ctx, deadline)
}

// WaitExisting re-attaches to a job believed to be running: it refreshes
// once and then polls only the health probe until timeout.
func (h *Handle) WaitExisting(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultExistingTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := h.Refresh(ctx); err != nil {
		return false, err
	}
	if j := h.Job(); !j.Scheduled() {
		return false, nil
	}
	return h.pollHealth(ctx, deadline)
}

func (h *Handle) pollHealth(ctx context.Context, deadline time.Time) (bool, error) {
	for time.Now().Before(deadline) {
		if h.CheckHealth(ctx) {
			return true, nil
		}
		if err := sleepUntil(ctx, h.m.healthInterval, deadline); err != nil {
			return false, err
		}
	}
	return false, ctx.Err()
}

// CheckHealth probes the service health path. Every failure, including
// network errors, reports false.
func (h *Handle) CheckHealth(ctx context.Context) bool {
	h.mu.Lock()
	running := h.job.State == model.StateRunning
	base := h.baseURLLocked()
	h.mu.Unlock()
	if !running || base == "" {
		return false
	}

	auth, err := h.AuthHeader()
	if err != nil {
		h.m.logger.Debug("health probe skipped", "job_id", h.ID(), "error", err)
		return false
	}
	header := http.Header{}
	if auth != "" {
		header.Set("Authorization", auth)
	}

	resp, err := h.m.probe.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    base + h.m.service.HealthPath,
		Header:  header,
		Retries: healthProbeAttempts,
		Backoff: h.m.probeBackoff,
		Timeout: h.m.service.HealthTimeout,
	})
	if err != nil {
		h.m.logger.Debug("health probe failed", "job_id", h.ID(), "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Shutdown cancels the job.
func (h *Handle) Shutdown(ctx context.Context) error {
	id := h.ID()
	if err := h.m.svc.Cancel(ctx, id); err != nil {
		return err
	}
	h.m.logger.Info("job cancelled", "job_id", id)
	return nil
}

// Extend sets the job's runtime budget and stores the returned job.
func (h *Handle) Extend(ctx context.Context, runtime int) error {
	j, err := h.m.svc.Extend(ctx, h.ID(), runtime)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.job = *j
	h.baseURL = ""
	h.mu.Unlock()
	return nil
}

// JobToken fetches and caches the per-job service credential.
func (h *Handle) JobToken(ctx context.Context) (string, error) {
	h.mu.Lock()
	tok := h.token
	h.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	tok, err := h.m.svc.Token(ctx, h.ID())
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
	return tok, nil
}

// AuthHeader returns the Authorization value for requests to the job's
// service, or "" when there is no credential to send.
func (h *Handle) AuthHeader() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.useAuth {
		if h.token == "" {
			return "", fmt.Errorf("job %s: %w", h.job.ID, ErrTokenNotLoaded)
		}
		return "Bearer " + h.token, nil
	}
	if h.m.apiKey == "" {
		return "", nil
	}
	return "Bearer " + h.m.apiKey, nil
}

// AuthToken returns the bare credential AuthHeader would send.
func (h *Handle) AuthToken() (string, error) {
	hdr, err := h.AuthHeader()
	if err != nil {
		return "", err
	}
	if len(hdr) > len("Bearer ") {
		return hdr[len("Bearer "):], nil
	}
	return "", nil
}

// sleepUntil sleeps for d or until deadline, whichever is sooner.
func sleepUntil(ctx context.Context, d time.Duration, deadline time.Time) error {
	if remaining := time.Until(deadline); remaining < d {
		d = remaining
	}
	if d <= 0 {
		return nil
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
