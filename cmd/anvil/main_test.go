package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/fakeplane"
	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/logstream"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/transport"
)

const testKey = "test-key"

// startPlane runs a dev control plane for the test and returns its URL.
func startPlane(t *testing.T, opts fakeplane.SimulatorOptions) string {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.DiscardHandler)
	sim := fakeplane.NewSimulator(st, logger, opts)
	srv := fakeplane.NewServer(":0", st, sim, logger, fakeplane.WithAPIKey(testKey))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(sim.Stop)
	return ts.URL
}

// runCLI executes the command line with an isolated config file and returns
// what it wrote to stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{"ANVIL_API_KEY", "ANVIL_API_URL", "ANVIL_WS_URL", "ANVIL_OTEL_EXPORTER", "ANVIL_ARCHIVE_ENDPOINT"} {
		t.Setenv(k, "")
	}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func planeArgs(url string, args ...string) []string {
	return append([]string{"--api-url", url, "--api-key", testKey}, args...)
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
		args  []string
		key   string
	}{
		{"flag", "", []string{"--api-key", "k1", "--api-url", "http://plane.test"}, "k1"},
		{"prompt", "k2\n", nil, "k2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config.yaml")
			root := newRootCommand()
			var out bytes.Buffer
			root.SetArgs(append([]string{"configure", "--config", path}, tt.args...))
			root.SetOut(&out)
			root.SetErr(&bytes.Buffer{})
			root.SetIn(strings.NewReader(tt.stdin))
			if err := root.Execute(); err != nil {
				t.Fatalf("configure: %v", err)
			}
			f, err := config.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if f.APIKey != tt.key {
				t.Errorf("api key = %q, want %q", f.APIKey, tt.key)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Errorf("mode = %v, want 0600", info.Mode().Perm())
			}
		})
	}
}

func TestConfigureRequiresKey(t *testing.T) {
	if _, err := runCLI(t, "\n", "configure"); err == nil {
		t.Fatal("configure without a key succeeded")
	}
}

func TestMissingAPIKey(t *testing.T) {
	_, err := runCLI(t, "", "jobs", "list")
	if err == nil || !strings.Contains(err.Error(), "no API key") {
		t.Fatalf("err = %v, want missing key error", err)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	if _, err := runCLI(t, "", "-o", "xml", "jobs", "list"); err == nil {
		t.Fatal("unknown output format accepted")
	}
}

func TestJobsLifecycle(t *testing.T) {
	url := startPlane(t, fakeplane.SimulatorOptions{StartDelay: time.Hour})

	out, err := runCLI(t, "", planeArgs(url, "-o", "json", "jobs", "create", "--image", "img:v1", "--runtime", "600")...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created model.Job
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode create output %q: %v", out, err)
	}
	if created.ID == "" || created.State != model.StatePending || created.Runtime != 600 {
		t.Fatalf("created = %+v", created)
	}

	out, err = runCLI(t, "", planeArgs(url, "jobs", "list", "--state", "pending")...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, created.ID) || !strings.HasPrefix(out, "ID") {
		t.Errorf("list output missing job:\n%s", out)
	}

	if _, err := runCLI(t, "", planeArgs(url, "jobs", "cancel", created.ID)...); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, err = runCLI(t, "", planeArgs(url, "-o", "yaml", "jobs", "get", created.ID)...)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "state: cancelled") || !strings.Contains(out, "job_id: "+created.ID) {
		t.Errorf("get output:\n%s", out)
	}

	if _, err := runCLI(t, "", planeArgs(url, "jobs", "extend", created.ID, "--runtime", "60")...); err == nil {
		t.Error("extending a cancelled job succeeded")
	}
}

func TestJobsWaitAndLogs(t *testing.T) {
	url := startPlane(t, fakeplane.SimulatorOptions{
		StartDelay:   5 * time.Millisecond,
		LogInterval:  5 * time.Millisecond,
		RuntimeUnit:  time.Millisecond,
		HostnameFunc: func(model.Job) string { return "gpu-1.test" },
	})
	client := jobs.New(transport.New(url, testKey, transport.WithRetryPolicy(1, time.Millisecond)))
	j, err := client.Create(context.Background(), jobs.CreateOptions{Image: "img:v1", Runtime: 80})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	out, err := runCLI(t, "", planeArgs(url, "jobs", "wait", j.ID, "--poll", "5ms", "--timeout", "5s")...)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !strings.Contains(out, "http://gpu-1.test") {
		t.Errorf("wait output = %q", out)
	}

	out, err = runCLI(t, "", planeArgs(url, "jobs", "logs", "-f", j.ID)...)
	if err != nil {
		t.Fatalf("logs -f: %v", err)
	}
	final, err := logstream.FetchLogs(context.Background(), client, j.ID, 0)
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[len(lines)-1] != final[len(final)-1] {
		t.Errorf("followed output ends with %q, want %q", lines[len(lines)-1], final[len(final)-1])
	}

	out, err = runCLI(t, "", planeArgs(url, "jobs", "logs", "--tail", "2", j.ID)...)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if got := strings.Split(strings.TrimSpace(out), "\n"); len(got) != 2 || got[1] != final[len(final)-1] {
		t.Errorf("tail output = %q", got)
	}
}

func TestInstancesCommands(t *testing.T) {
	url := startPlane(t, fakeplane.SimulatorOptions{StartDelay: time.Hour})

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"types", []string{"instances", "types"}, "h100"},
		{"regions", []string{"instances", "regions"}, "eu-west"},
		{"pricing", []string{"instances", "pricing"}, "l40s_x2"},
		{"price", []string{"instances", "price", "l40s", "--region", "us-east"}, "$1.80/hr"},
		{"spot price", []string{"instances", "price", "l40s", "--region", "us-east", "--interruptible"}, "$0.90/hr"},
		{"capacity", []string{"instances", "capacity", "--gpu-type", "l4"}, "available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, "", planeArgs(url, tt.args...)...)
			if err != nil {
				t.Fatalf("%v: %v", tt.args, err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}

	out, err := runCLI(t, "", planeArgs(url, "-o", "json", "instances", "available", "--gpu-type", "h100")...)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	var rows []model.AvailableGPU
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0].GPUCount != 1 || rows[1].GPUCount != 8 {
		t.Errorf("rows = %+v", rows)
	}

	if _, err := runCLI(t, "", planeArgs(url, "instances", "price", "l4", "--region", "eu-west", "--interruptible")...); err == nil {
		t.Error("unpriced tier reported a price")
	}
}

func TestWorkflowCompile(t *testing.T) {
	params := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(params, []byte("prompt: a red fox\nseed: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "", "workflow", "compile", "testdata/txt2img.json", "--params", params)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var req map[string]struct {
		ClassType string         `json:"class_type"`
		Inputs    map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	for _, dropped := range []string{"10", "11", "12"} {
		if _, ok := req[dropped]; ok {
			t.Errorf("node %s should not be emitted", dropped)
		}
	}
	if ks := req["3"]; ks.ClassType != "KSampler" || ks.Inputs["seed"] != float64(7) {
		t.Errorf("KSampler = %+v", ks)
	}
}

func TestWorkflowCompileToFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "request.json")
	if _, err := runCLI(t, "", "workflow", "compile", "testdata/txt2img.json", "--out", dest); err != nil {
		t.Fatalf("compile: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"class_type": "SaveImage"`)) {
		t.Errorf("request file:\n%s", data)
	}
}

func TestWorkflowModes(t *testing.T) {
	out, err := runCLI(t, "", "workflow", "modes", "testdata/txt2img.json", "--set", "11=enabled", "--set", "8=bypass")
	if err != nil {
		t.Fatalf("modes: %v", err)
	}
	var g struct {
		Nodes []struct {
			ID   int `json:"id"`
			Mode int `json:"mode"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(out), &g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	modes := map[int]int{}
	for _, n := range g.Nodes {
		modes[n.ID] = n.Mode
	}
	if modes[11] != 0 || modes[8] != 4 {
		t.Errorf("modes = %v", modes)
	}

	if _, err := runCLI(t, "", "workflow", "modes", "testdata/txt2img.json", "--set", "8=sideways"); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestRunRejectsBadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	if err := os.WriteFile(path, []byte(`{"nodes": "nope"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "", "--api-key", testKey, "run", path); err == nil {
		t.Fatal("run accepted an invalid graph")
	}
}
