package logstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/fakeplane"
	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/transport"
)

func fastFollow(wsURL string) FollowOptions {
	return FollowOptions{
		Stream:       Options{WSURL: wsURL},
		PollInterval: 5 * time.Millisecond,
		FinalDelay:   time.Millisecond,
	}
}

func TestLinesAfter(t *testing.T) {
	tests := []struct {
		name      string
		final     []string
		delivered []string
		want      []string
	}{
		{"nothing delivered", []string{"a", "b"}, nil, []string{"a", "b"}},
		{"all delivered", []string{"a", "b"}, []string{"a", "b"}, []string{}},
		{"trailing lines", []string{"a", "b", "c", "d"}, []string{"a", "b"}, []string{"c", "d"}},
		{"newest repeat wins", []string{"x", "y", "x", "z"}, []string{"x"}, []string{"z"}},
		{"longest tail first", []string{"x", "y", "w", "y", "z"}, []string{"x", "y"}, []string{"w", "y", "z"}},
		{"no overlap", []string{"p", "q"}, []string{"a"}, []string{"p", "q"}},
		{"final shorter than window", []string{"c"}, []string{"a", "b", "c"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := linesAfter(tt.final, tt.delivered)
			if !slices.Equal(got, tt.want) {
				t.Errorf("linesAfter(%q, %q) = %q, want %q", tt.final, tt.delivered, got, tt.want)
			}
		})
	}
}

func TestFollowStreamsThenCatchesTrailingLines(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		sendLog(conn, "l1\nl2")
		holdOpen(conn)
	})
	src := &fakeSource{
		key:    "k",
		states: []model.State{model.StatePending, model.StateRunning, model.StateRunning, model.StateCompleted},
		logs:   []string{"h1\nh2", "h1\nh2\nl1\nl2\nz\n"},
	}

	got, err := collect(t, Follow(context.Background(), src, "job-1", fastFollow(url)))
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if want := []string{"h1", "h2", "l1", "l2", "z"}; !slices.Equal(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestFollowFinishedJobFetchesOnce(t *testing.T) {
	src := &fakeSource{
		states: []model.State{model.StateFailed},
		logs:   []string{"a\nb"},
	}
	got, err := collect(t, Follow(context.Background(), src, "job-1", fastFollow("")))
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("lines = %q", got)
	}
}

func TestFollowCustomUntilState(t *testing.T) {
	src := &fakeSource{
		states: []model.State{"succeeded"},
		logs:   []string{"done"},
	}
	opts := fastFollow("")
	opts.UntilStates = []model.State{"succeeded"}
	got, err := collect(t, Follow(context.Background(), src, "job-1", opts))
	if err != nil || !slices.Equal(got, []string{"done"}) {
		t.Errorf("Follow = %q, %v", got, err)
	}
}

func TestFollowFallsBackToPolling(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)
	src := &fakeSource{
		key:    "k",
		states: []model.State{model.StateRunning, model.StateRunning, model.StateTerminated},
		logs:   []string{"h1", "h1\nh2"},
	}

	got, err := collect(t, Follow(context.Background(), src, "job-1", fastFollow("ws"+strings.TrimPrefix(ts.URL, "http"))))
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if !slices.Equal(got, []string{"h1", "h2"}) {
		t.Errorf("lines = %q", got)
	}
}

func TestFollowStopsOnContextCancel(t *testing.T) {
	src := &fakeSource{states: []model.State{model.StatePending}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := collect(t, Follow(ctx, src, "job-1", fastFollow("")))
	if err == nil {
		t.Fatal("Follow on a pending job returned without error after cancel")
	}
}

func TestFollowAgainstDevPlane(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.DiscardHandler)
	sim := fakeplane.NewSimulator(st, logger, fakeplane.SimulatorOptions{
		StartDelay:  5 * time.Millisecond,
		LogInterval: 5 * time.Millisecond,
		RuntimeUnit: time.Millisecond,
	})
	srv := fakeplane.NewServer(":0", st, sim, logger, fakeplane.WithAPIKey("k"))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(sim.Stop)

	client := jobs.New(transport.New(ts.URL, "k", transport.WithRetryPolicy(1, time.Millisecond)))
	ctx := context.Background()
	j, err := client.Create(ctx, jobs.CreateOptions{Image: "img:v1", GPUType: "l40s", GPUCount: 1, Runtime: 80})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	opts := fastFollow(config.DeriveWSURL(ts.URL))
	opts.Stream.APIKey = "k"
	got, err := collect(t, Follow(ctx, client, j.ID, opts))
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}

	final, err := FetchLogs(ctx, client, j.ID, 0)
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("Follow delivered no lines")
	}
	if got[len(got)-1] != final[len(final)-1] {
		t.Errorf("last line = %q, want %q", got[len(got)-1], final[len(final)-1])
	}
	// Delivered lines appear in the retained log in the same order.
	prev := -1
	for _, line := range got {
		i := slices.Index(final, line)
		if i <= prev {
			t.Fatalf("line %q out of order or missing from the retained log (index %d after %d)", line, i, prev)
		}
		prev = i
	}
}
