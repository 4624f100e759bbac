// Package logstream combines a job's retained REST log output with the
// live WebSocket tail into one ordered view.
package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/model"
)

// Defaults for Options.
const (
	DefaultMaxInitialLines  = 1000
	DefaultMaxBuffer        = 5000
	DefaultHandshakeTimeout = 30 * time.Second
)

var (
	// ErrClosed is returned when a closed stream is used.
	ErrClosed = errors.New("log stream closed")
	// ErrNotConnected is yielded by Lines before Connect succeeded.
	ErrNotConnected = errors.New("log stream not connected")
)

// Source is the part of the jobs API a stream reads from.
type Source interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Logs(ctx context.Context, id string) (string, error)
}

var _ Source = (*jobs.Client)(nil)

// Status is the connection state of a Stream.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosed       Status = "closed"
)

// Options configures a Stream.
type Options struct {
	// WSURL is the ws(s) base the log endpoint is resolved against.
	WSURL string
	// APIKey is sent as a bearer token on the handshake when set.
	APIKey string
	// JobKey is the streaming key. It is looked up from the job when empty.
	JobKey string
	// SkipInitial disables the historical fetch in Connect.
	SkipInitial      bool
	MaxInitialLines  int
	MaxBuffer        int
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxInitialLines <= 0 {
		o.MaxInitialLines = DefaultMaxInitialLines
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = DefaultMaxBuffer
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// frame is the envelope the log endpoint sends.
type frame struct {
	Event string `json:"event"`
	Log   string `json:"log"`
}

// Stream tails one job's output. Connect and Lines are meant to be driven
// by a single goroutine. Close, Status and Buffer may be called from any.
type Stream struct {
	src    Source
	jobID  string
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	ring       *Ring
	conn       *websocket.Conn
	connecting bool
	fetched    bool
	closed     bool
}

// New creates a disconnected stream for jobID.
func New(src Source, jobID string, opts Options) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		src:    src,
		jobID:  jobID,
		opts:   opts,
		logger: opts.Logger.With("job_id", jobID),
		ring:   NewRing(opts.MaxBuffer),
	}
}

// FetchLogs returns the last tail lines of a job's retained output. A tail
// of zero or less returns every line.
func FetchLogs(ctx context.Context, src Source, jobID string, tail int) ([]string, error) {
	text, err := src.Logs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return slices.Clip(lines), nil
}

// Connect fetches the historical lines once, buffers them and opens the
// live connection. It returns the historical lines, including when only
// the dial failed. A failed historical fetch is logged and skipped.
func (s *Stream) Connect(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.conn != nil:
		s.mu.Unlock()
		return nil, nil
	}
	s.connecting = true
	fetch := !s.opts.SkipInitial && !s.fetched
	s.fetched = true
	s.mu.Unlock()

	var initial []string
	if fetch {
		lines, err := FetchLogs(ctx, s.src, s.jobID, s.opts.MaxInitialLines)
		if err != nil {
			s.logger.Warn("initial log fetch failed", "error", err)
		}
		initial = lines
		s.push(initial...)
	}

	conn, err := s.dial(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	if err != nil {
		return initial, err
	}
	if s.closed {
		conn.Close()
		return initial, ErrClosed
	}
	s.conn = conn
	s.logger.Debug("log stream connected", "buffered", s.ring.Len())
	return initial, nil
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	key := s.opts.JobKey
	if key == "" {
		j, err := s.src.Get(ctx, s.jobID)
		if err != nil {
			return nil, fmt.Errorf("resolve stream key: %w", err)
		}
		if j.Key == "" {
			return nil, fmt.Errorf("job %s has no stream key", s.jobID)
		}
		key = j.Key
	}
	if s.opts.WSURL == "" {
		return nil, errors.New("dial log stream: no websocket url configured")
	}
	u := strings.TrimRight(s.opts.WSURL, "/") + "/orchestra/ws/logs/" + url.PathEscape(key)

	header := http.Header{}
	if s.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.opts.APIKey)
	}
	d := *s.opts.Dialer
	d.HandshakeTimeout = s.opts.HandshakeTimeout

	conn, resp, err := d.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dial log stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial log stream: %w", err)
	}
	return conn, nil
}

// Lines yields lines arriving after Connect. Multi-line payloads are split
// and blank lines dropped. Frames that are not log events are skipped.
// Iteration ends cleanly when the server closes the stream normally or the
// stream is closed. Any other read failure is yielded once as an error.
// Cancelling ctx closes the stream and yields ctx's error.
func (s *Stream) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		conn, closed := s.conn, s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			yield("", ErrNotConnected)
			return
		}
		stop := context.AfterFunc(ctx, func() { s.Close() })
		defer stop()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				switch {
				case ctx.Err() != nil:
					yield("", ctx.Err())
				case s.isClosed():
				case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
					s.logger.Debug("log stream ended by server")
					s.Close()
				default:
					yield("", fmt.Errorf("read log stream: %w", err))
				}
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil || f.Event != "log" || f.Log == "" {
				continue
			}
			for line := range strings.SplitSeq(f.Log, "\n") {
				line = strings.TrimRight(line, "\r")
				if strings.TrimSpace(line) == "" {
					continue
				}
				s.push(line)
				if !yield(line, nil) {
					return
				}
			}
		}
	}
}

// Close ends the live connection. It is safe to call more than once and
// from any goroutine.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// Status reports the connection state.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StatusClosed
	case s.conn != nil:
		return StatusConnected
	case s.connecting:
		return StatusConnecting
	}
	return StatusDisconnected
}

// Buffer returns the buffered lines, oldest first.
func (s *Stream) Buffer() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Lines()
}

func (s *Stream) push(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		s.ring.Push(l)
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
