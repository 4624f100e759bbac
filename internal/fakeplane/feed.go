package fakeplane

import (
	"slices"
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// tailBuffer is how many lines a tail may fall behind before it starts
// losing them.
const tailBuffer = 64

// Feed carries the output of running jobs to live tails, keyed by job key.
// When a job ends its feed records the final state, so a tail that attaches
// later ends at once and still learns how the job finished.
type Feed struct {
	mu   sync.Mutex
	jobs map[string]*jobFeed
}

type jobFeed struct {
	tails []*Tail
	final model.State
}

func (j *jobFeed) ended() bool { return j.final != "" }

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{jobs: make(map[string]*jobFeed)}
}

func (f *Feed) job(key string) *jobFeed {
	j, ok := f.jobs[key]
	if !ok {
		j = &jobFeed{}
		f.jobs[key] = j
	}
	return j
}

// Tail is one reader of a job's live output.
type Tail struct {
	feed  *Feed
	key   string
	lines chan string
	final model.State
}

// Lines yields live lines and is closed when the job ends or the tail
// is stopped.
func (t *Tail) Lines() <-chan string {
	return t.lines
}

// Final returns the state the job ended in. It is empty while the job runs
// and for a tail that was stopped before the job ended.
func (t *Tail) Final() model.State {
	t.feed.mu.Lock()
	defer t.feed.mu.Unlock()
	return t.final
}

// Stop detaches the tail. It is safe to call more than once and after the
// job ended.
func (t *Tail) Stop() {
	t.feed.mu.Lock()
	defer t.feed.mu.Unlock()
	j, ok := t.feed.jobs[t.key]
	if !ok {
		return
	}
	n := len(j.tails)
	j.tails = slices.DeleteFunc(j.tails, func(o *Tail) bool { return o == t })
	if len(j.tails) < n {
		close(t.lines)
	}
}

// Tail attaches a reader to the job with key.
func (f *Feed) Tail(key string) *Tail {
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.job(key)
	t := &Tail{feed: f, key: key, lines: make(chan string, tailBuffer)}
	if j.ended() {
		t.final = j.final
		close(t.lines)
		return t
	}
	j.tails = append(j.tails, t)
	return t
}

// Publish hands line to every tail of key without blocking the job.
func (f *Feed) Publish(key, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.jobs[key]
	if !ok || j.ended() {
		return
	}
	for _, t := range j.tails {
		select {
		case t.lines <- line:
		default:
			feedLinesDropped.Inc()
		}
	}
}

// End records that the job with key finished in state and releases its
// tails. Only the first End of a job counts.
func (f *Feed) End(key string, state model.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.job(key)
	if j.ended() {
		return
	}
	j.final = state
	for _, t := range j.tails {
		t.final = state
		close(t.lines)
	}
	j.tails = nil
}

// Tails reports how many readers are attached to key.
func (f *Feed) Tails(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[key]; ok {
		return len(j.tails)
	}
	return 0
}
