package fakeplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	DefaultStartDelay  = 2 * time.Second
	DefaultLogInterval = time.Second
)

var (
	errJobCancelled = errors.New("job cancelled")
	errPlaneStopped = errors.New("control plane stopped")
)

// SimulatorOptions tunes the simulated job lifecycle.
type SimulatorOptions struct {
	// StartDelay is how long a job stays pending before it runs.
	StartDelay time.Duration
	// LogInterval is the gap between synthetic log lines.
	LogInterval time.Duration
	// RuntimeUnit scales a job's runtime budget. Tests shrink it to run
	// jobs to completion quickly.
	RuntimeUnit time.Duration
	// HostnameFunc names the host a job is scheduled on.
	HostnameFunc func(model.Job) string
}

func (o SimulatorOptions) withDefaults() SimulatorOptions {
	if o.StartDelay < 0 {
		o.StartDelay = 0
	}
	if o.LogInterval <= 0 {
		o.LogInterval = DefaultLogInterval
	}
	if o.RuntimeUnit <= 0 {
		o.RuntimeUnit = time.Second
	}
	if o.HostnameFunc == nil {
		o.HostnameFunc = DefaultHostname
	}
	return o
}

// DefaultHostname derives a stable fake hostname from the job id.
func DefaultHostname(j model.Job) string {
	short, _, _ := strings.Cut(j.ID, "-")
	return short + ".jobs.localhost"
}

// Simulator drives stored jobs through pending, running and a terminal
// state, emitting log lines while they run.
type Simulator struct {
	store  store.Store
	feed   *Feed
	logger *slog.Logger
	opts   SimulatorOptions

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewSimulator creates a simulator writing to s.
func NewSimulator(s store.Store, logger *slog.Logger, opts SimulatorOptions) *Simulator {
	return &Simulator{
		store:   s,
		feed:    NewFeed(),
		logger:  logger,
		opts:    opts.withDefaults(),
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Feed returns the feed live log tails attach to.
func (s *Simulator) Feed() *Feed {
	return s.feed
}

// Submit stores r as pending and starts simulating it. The goroutine works
// on a copy of r.
func (s *Simulator) Submit(ctx context.Context, r *store.Record) error {
	if err := s.store.CreateJob(ctx, r); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	s.mu.Lock()
	s.cancels[r.ID] = cancel
	s.mu.Unlock()
	jobsActive.Inc()

	rec := *r
	s.wg.Go(func() {
		s.run(runCtx, &rec)
	})
	return nil
}

// Cancel moves a job to cancelled and stops its simulation. A job already
// in a terminal state yields store.ErrInvalidTransition.
func (s *Simulator) Cancel(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.store.UpdateJobState(ctx, id, model.StateCancelled, "")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel(errJobCancelled)
	}
	return j, nil
}

// Stop ends every running simulation, marking its job terminated, and waits
// for the goroutines to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel(errPlaneStopped)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every simulation goroutine has exited.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// Reconcile settles jobs left unfinished by a previous process, which no
// goroutine will ever advance: pending and queued jobs fail, running jobs
// are terminated.
func (s *Simulator) Reconcile(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []model.State{model.StatePending, model.StateQueued, model.StateRunning} {
		jobs, _, err := s.store.ListJobs(ctx, st, maxListLimit, 0)
		if err != nil {
			return n, fmt.Errorf("list %s jobs: %w", st, err)
		}
		to := model.StateFailed
		if st == model.StateRunning {
			to = model.StateTerminated
		}
		for _, j := range jobs {
			if _, err := s.store.UpdateJobState(ctx, j.ID, to, ""); err != nil {
				s.logger.Warn("reconcile job", "job_id", j.ID, "error", err)
				continue
			}
			s.feed.End(j.Key, to)
			n++
		}
	}
	return n, nil
}

func (s *Simulator) run(ctx context.Context, r *store.Record) {
	log := s.logger.With("job_id", r.ID)
	defer s.settle(r, log)

	if !sleepCtx(ctx, s.opts.StartDelay) {
		s.abort(ctx, r, log)
		return
	}
	j, err := s.store.UpdateJobState(context.Background(), r.ID, model.StateRunning, s.opts.HostnameFunc(r.Job))
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			log.Error("start job", "error", err)
		}
		return
	}
	log.Info("job running", "hostname", j.Hostname)

	started := j.StartedAt.Time
	seq := 0
	s.emit(r, &seq, log)

	ticker := time.NewTicker(s.opts.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.abort(ctx, r, log)
			return
		case <-ticker.C:
		}

		// Runtime may have been extended since the last tick.
		cur, err := s.store.GetJob(context.Background(), r.ID)
		if err != nil {
			log.Error("reload job", "error", err)
			return
		}
		if cur.State.IsTerminal() {
			return
		}
		if time.Since(started) >= time.Duration(cur.Runtime)*s.opts.RuntimeUnit {
			s.finish(r.ID, model.StateCompleted, log)
			return
		}
		s.emit(r, &seq, log)
	}
}

// settle runs when a job's goroutine exits, whatever the path out. It
// ends the job's feed with the state the store holds.
func (s *Simulator) settle(r *store.Record, log *slog.Logger) {
	s.mu.Lock()
	delete(s.cancels, r.ID)
	s.mu.Unlock()
	jobsActive.Dec()

	final := model.StateTerminated
	if cur, err := s.store.GetJob(context.Background(), r.ID); err != nil {
		log.Error("reload job", "error", err)
	} else if cur.State.IsTerminal() {
		final = cur.State
	} else {
		log.Warn("job goroutine exited in a live state", "state", cur.State)
	}
	jobsFinished.WithLabelValues(string(final)).Inc()
	s.feed.End(r.Key, final)
}

// abort handles a cancelled run context. A user cancellation already wrote
// the terminal state; a plane shutdown terminates what is still live.
func (s *Simulator) abort(ctx context.Context, r *store.Record, log *slog.Logger) {
	if !errors.Is(context.Cause(ctx), errPlaneStopped) {
		return
	}
	cur, err := s.store.GetJob(context.Background(), r.ID)
	if err != nil {
		log.Error("reload job", "error", err)
		return
	}
	to := model.StateTerminated
	if cur.State.IsWaiting() {
		to = model.StateFailed
	}
	s.finish(r.ID, to, log)
}

func (s *Simulator) finish(id string, state model.State, log *slog.Logger) {
	if _, err := s.store.UpdateJobState(context.Background(), id, state, ""); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			log.Error("finish job", "state", state, "error", err)
		}
		return
	}
	log.Info("job finished", "state", state)
}

// emit persists the next synthetic line, then publishes it live.
func (s *Simulator) emit(r *store.Record, seq *int, log *slog.Logger) {
	line := syntheticLine(r, *seq)
	if err := s.store.InsertLogLine(context.Background(), r.ID, *seq, line); err != nil {
		log.Error("persist log line", "seq", *seq, "error", err)
	}
	s.feed.Publish(r.Key, line)
	*seq++
}

func syntheticLine(r *store.Record, seq int) string {
	switch seq {
	case 0:
		return fmt.Sprintf("pulling image %s", r.Image)
	case 1:
		return fmt.Sprintf("starting container on %dx %s in %s", r.GPUCount, r.GPUType, r.Region)
	case 2:
		if r.Command != "" {
			return "exec: " + r.Command
		}
		return "exec: image entrypoint"
	}
	return fmt.Sprintf("step %d: gpu utilization %d%%", seq-2, 40+(seq*7)%55)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
