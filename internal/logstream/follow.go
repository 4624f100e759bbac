package logstream

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// Defaults for FollowOptions.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultFinalDelay   = 500 * time.Millisecond
)

// overlapWindow is how many delivered lines are matched against the final
// fetch to find where new output starts.
const overlapWindow = 3

// DefaultUntilStates end a Follow. The spellings some control planes use
// for success and cancellation are included.
var DefaultUntilStates = []model.State{
	model.StateCompleted,
	"succeeded",
	model.StateFailed,
	model.StateCancelled,
	"canceled",
	model.StateTerminated,
}

// FollowOptions configures Follow.
type FollowOptions struct {
	Stream       Options
	UntilStates  []model.State
	PollInterval time.Duration
	// FinalDelay is waited before the closing fetch so trailing output
	// reaches the retained log.
	FinalDelay time.Duration
	// Tail bounds the closing fetch. It defaults to Stream.MaxInitialLines.
	Tail int
}

func (o FollowOptions) withDefaults() FollowOptions {
	o.Stream = o.Stream.withDefaults()
	if len(o.UntilStates) == 0 {
		o.UntilStates = DefaultUntilStates
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FinalDelay <= 0 {
		o.FinalDelay = DefaultFinalDelay
	}
	if o.Tail <= 0 {
		o.Tail = o.Stream.MaxInitialLines
	}
	return o
}

// follower carries the state of one Follow run.
type follower struct {
	src    Source
	jobID  string
	opts   FollowOptions
	until  map[model.State]bool
	recent *Ring
}

// Follow yields a job's output from start to finish. It waits while the job
// is pending, yields the historical lines, then the live tail until a state
// in UntilStates is observed, and finally the lines of one closing fetch
// that were not yet delivered. When the live connection cannot be opened
// it polls the state instead and relies on the closing fetch.
func Follow(ctx context.Context, src Source, jobID string, opts FollowOptions) iter.Seq2[string, error] {
	opts = opts.withDefaults()
	f := &follower{
		src:    src,
		jobID:  jobID,
		opts:   opts,
		until:  make(map[model.State]bool, len(opts.UntilStates)),
		recent: NewRing(overlapWindow),
	}
	for _, s := range opts.UntilStates {
		f.until[s] = true
	}
	return f.run(ctx)
}

func (f *follower) run(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		logger := f.opts.Stream.Logger.With("job_id", f.jobID)
		emit := func(line string) bool {
			f.recent.Push(line)
			return yield(line, nil)
		}

		j, err := f.waitStarted(ctx)
		if err != nil {
			yield("", err)
			return
		}

		if !f.done(j.State) {
			streamOpts := f.opts.Stream
			if streamOpts.JobKey == "" {
				streamOpts.JobKey = j.Key
			}
			st := New(f.src, f.jobID, streamOpts)
			defer st.Close()

			initial, err := st.Connect(ctx)
			for _, line := range initial {
				if !emit(line) {
					return
				}
			}
			switch {
			case ctx.Err() != nil:
				yield("", ctx.Err())
				return
			case err != nil:
				logger.Warn("live log stream unavailable, polling state", "error", err)
				if err := f.waitDone(ctx); err != nil {
					yield("", err)
					return
				}
			default:
				stopWatch := f.watch(ctx, st)
				for line, err := range st.Lines(ctx) {
					if err != nil {
						stopWatch()
						yield("", err)
						return
					}
					if !emit(line) {
						stopWatch()
						return
					}
				}
				stopWatch()
			}

			if err := sleep(ctx, f.opts.FinalDelay); err != nil {
				yield("", err)
				return
			}
		}

		final, err := FetchLogs(ctx, f.src, f.jobID, f.opts.Tail)
		if err != nil {
			logger.Warn("final log fetch failed", "error", err)
			return
		}
		for _, line := range linesAfter(final, f.recent.Lines()) {
			if !emit(line) {
				return
			}
		}
	}
}

func (f *follower) done(s model.State) bool {
	return f.until[s] || s.IsTerminal()
}

// waitStarted polls until the job has left the pending and queued states.
func (f *follower) waitStarted(ctx context.Context) (*model.Job, error) {
	for {
		j, err := f.src.Get(ctx, f.jobID)
		if err != nil {
			return nil, err
		}
		if !j.State.IsWaiting() {
			return j, nil
		}
		if err := sleep(ctx, f.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// waitDone polls until the job reaches a state that ends the follow.
func (f *follower) waitDone(ctx context.Context) error {
	for {
		j, err := f.src.Get(ctx, f.jobID)
		if err != nil {
			return err
		}
		if f.done(j.State) {
			return nil
		}
		if err := sleep(ctx, f.opts.PollInterval); err != nil {
			return err
		}
	}
}

// watch closes st once the job reaches a state that ends the follow. Poll
// errors are logged and retried on the next tick. The returned func stops
// the watcher and waits for it.
func (f *follower) watch(ctx context.Context, st *Stream) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(f.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			j, err := f.src.Get(ctx, f.jobID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					st.logger.Debug("state poll failed", "error", err)
				}
				continue
			}
			if f.done(j.State) {
				st.logger.Debug("job finished, closing log stream", "state", j.State)
				st.Close()
				return
			}
		}
	})
	return sync.OnceFunc(func() {
		cancel()
		wg.Wait()
	})
}

// linesAfter returns the lines of final that follow the newest occurrence
// of the longest tail of delivered found in it. Without any overlap every
// line of final is returned.
func linesAfter(final, delivered []string) []string {
	for k := min(len(delivered), overlapWindow); k > 0; k-- {
		tail := delivered[len(delivered)-k:]
		for i := len(final) - k; i >= 0; i-- {
			if slices.Equal(final[i:i+k], tail) {
				return final[i+k:]
			}
		}
	}
	return final
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
