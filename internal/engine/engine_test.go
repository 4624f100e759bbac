package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/archive"
	"github.com/seantiz/anvil/internal/workflow"
)

const objectInfo = `{
	"LoadImage": {
		"input": {"required": {"image": [["a.png"], {"image_upload": true}]}},
		"input_order": {"required": ["image"]},
		"output": ["IMAGE", "MASK"]
	},
	"SharpenPlus": {
		"input": {"required": {"image": ["IMAGE"], "radius": ["INT", {"default": 1}], "mode": [["soft", "hard"]]}},
		"input_order": {"required": ["image", "radius", "mode"]},
		"output": ["IMAGE"]
	}
}`

const graphJSON = `{
	"nodes": [
		{"id": 1, "type": "LoadImage", "mode": 0,
		 "outputs": [{"name": "IMAGE", "type": "IMAGE", "links": [1]}],
		 "widgets_values": ["placeholder.png", "image"]},
		{"id": 2, "type": "SharpenPlus", "mode": 0,
		 "inputs": [{"name": "image", "type": "IMAGE", "link": 1}],
		 "widgets_values": [3, "hard"]}
	],
	"links": [[1, 1, 0, 2, 0, "IMAGE"]]
}`

// fakeEngine is an in-process stand-in for the execution engine.
type fakeEngine struct {
	objectInfoHits atomic.Int32
	mu             sync.Mutex
	uploads        map[string][]byte
	uploadTypes    map[string]string
	prompt         map[string]json.RawMessage
	authSeen       []string
	historyPolls   atomic.Int32
	historyStatus  string
}

func newFakeEngine(t *testing.T) (*fakeEngine, *httptest.Server) {
	t.Helper()
	f := &fakeEngine{
		uploads:       map[string][]byte{},
		uploadTypes:   map[string]string{},
		historyStatus: "success",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /object_info", func(w http.ResponseWriter, r *http.Request) {
		f.seeAuth(r)
		f.objectInfoHits.Add(1)
		io.WriteString(w, objectInfo)
	})
	mux.HandleFunc("POST /upload/{kind}", func(w http.ResponseWriter, r *http.Request) {
		f.seeAuth(r)
		file, hdr, err := r.FormFile("image")
		if err != nil {
			http.Error(w, `{"detail":"no image field"}`, http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.uploads[hdr.Filename] = data
		f.uploadTypes[hdr.Filename] = hdr.Header.Get("Content-Type")
		f.mu.Unlock()
		name := hdr.Filename
		if name == "taken.png" {
			name = "taken (1).png"
		}
		if name == "anon.png" {
			io.WriteString(w, `{}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": name, "subfolder": "", "type": "input"})
	})
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		f.seeAuth(r)
		var body map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.prompt = body
		f.mu.Unlock()
		io.WriteString(w, `{"prompt_id":"p-1","number":7,"node_errors":{}}`)
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.historyPolls.Add(1) < 3 {
			io.WriteString(w, `{}`)
			return
		}
		io.WriteString(w, `{"p-1":{"status":{"status_str":"`+f.historyStatus+`","completed":`+
			boolString(f.historyStatus == "success")+`},"outputs":{
			"10":{"images":[{"filename":"b.png","subfolder":"","type":"output"}]},
			"9":{"images":[{"filename":"a.png","subfolder":"","type":"output"}]}}}}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (f *fakeEngine) seeAuth(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
}

// recordingArchive keeps every object it is given.
type recordingArchive struct {
	mu   sync.Mutex
	objs map[string]string
}

func (a *recordingArchive) Put(_ context.Context, key, contentType string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objs == nil {
		a.objs = map[string]string{}
	}
	a.objs[key] = contentType
	return nil
}

func TestObjectInfoIsCached(t *testing.T) {
	f, ts := newFakeEngine(t)
	c := New(ts.URL)
	ctx := context.Background()

	for range 3 {
		cat, err := c.ObjectInfo(ctx, false)
		if err != nil {
			t.Fatalf("ObjectInfo: %v", err)
		}
		if cat.Len() != 2 {
			t.Errorf("Len = %d, want 2", cat.Len())
		}
	}
	if n := f.objectInfoHits.Load(); n != 1 {
		t.Errorf("object_info fetched %d times, want 1", n)
	}
	if _, err := c.ObjectInfo(ctx, true); err != nil {
		t.Fatalf("ObjectInfo refresh: %v", err)
	}
	if n := f.objectInfoHits.Load(); n != 2 {
		t.Errorf("object_info fetched %d times after refresh, want 2", n)
	}
}

func TestConvertUsesEngineCatalog(t *testing.T) {
	_, ts := newFakeEngine(t)
	c := New(ts.URL)

	g, err := workflow.DecodeGraph([]byte(graphJSON))
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	req, err := c.Convert(context.Background(), g)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	sharpen := req["2"]
	if sharpen == nil || sharpen.ClassType != "SharpenPlus" {
		t.Fatalf("node 2 = %+v", sharpen)
	}
	if got, _ := json.Marshal(sharpen.Inputs["image"]); string(got) != `["1",0]` {
		t.Errorf("image = %s, want [\"1\",0]", got)
	}
	if got := sharpen.Inputs["mode"]; got != "hard" {
		t.Errorf("mode = %v, want hard", got)
	}
	if got, _ := json.Marshal(sharpen.Inputs["radius"]); string(got) != "3" {
		t.Errorf("radius = %s, want 3", got)
	}
	if got := req["1"].Inputs["image"]; got != "placeholder.png" {
		t.Errorf("LoadImage image = %v", got)
	}
}

func TestUpload(t *testing.T) {
	f, ts := newFakeEngine(t)
	arch := &recordingArchive{}
	c := New(ts.URL, WithArchive(arch, "job-1"))
	ctx := context.Background()

	tests := []struct {
		filename string
		want     string
	}{
		{"cat.png", "cat.png"},
		{"taken.png", "taken (1).png"},
		{"anon.png", "anon.png"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := c.Upload(ctx, KindImage, tt.filename, "image/png", []byte("PNG"))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if got != tt.want {
				t.Errorf("name = %q, want %q", got, tt.want)
			}
			if _, ok := arch.objs[archive.AssetKey("job-1", tt.want)]; !ok {
				t.Errorf("asset %s not archived", tt.want)
			}
		})
	}
	if string(f.uploads["cat.png"]) != "PNG" || f.uploadTypes["cat.png"] != "image/png" {
		t.Errorf("uploaded cat.png = %q (%s)", f.uploads["cat.png"], f.uploadTypes["cat.png"])
	}
}

func TestUploadFileGuessesType(t *testing.T) {
	f, ts := newFakeEngine(t)
	c := New(ts.URL)

	p := filepath.Join(t.TempDir(), "voice.mp3")
	if err := os.WriteFile(p, []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	name, err := c.UploadFile(context.Background(), p)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if name != "voice.mp3" {
		t.Errorf("name = %q", name)
	}
	if got := f.uploadTypes["voice.mp3"]; got != "audio/mpeg" {
		t.Errorf("content type = %q, want audio/mpeg", got)
	}

	if _, err := c.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.PNG":   "image/png",
		"b.jpg":   "image/jpeg",
		"c.mp3":   "audio/mpeg",
		"d.flac":  "audio/flac",
		"e.webp":  "image/webp",
		"f.bogus": "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestSubmitSendsPromptAndClientID(t *testing.T) {
	f, ts := newFakeEngine(t)
	arch := &recordingArchive{}
	c := New(ts.URL, WithArchive(arch, "job-1"), WithAuth(func() (string, error) { return "Bearer tok", nil }))

	req := workflow.Request{"3": {ClassType: "KSampler", Inputs: map[string]any{"seed": 42}}}
	resp, err := c.Submit(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.PromptID != "p-1" || resp.Number != 7 {
		t.Errorf("resp = %+v", resp)
	}

	var clientID string
	json.Unmarshal(f.prompt["client_id"], &clientID)
	if !strings.HasPrefix(clientID, "anvil-") {
		t.Errorf("client_id = %q", clientID)
	}
	if !strings.Contains(string(f.prompt["prompt"]), `"class_type":"KSampler"`) {
		t.Errorf("prompt = %s", f.prompt["prompt"])
	}
	if f.authSeen[len(f.authSeen)-1] != "Bearer tok" {
		t.Errorf("Authorization = %q", f.authSeen[len(f.authSeen)-1])
	}
	archived := 0
	for key, ct := range arch.objs {
		if strings.HasPrefix(key, "jobs/job-1/requests/") && ct == "application/json" {
			archived++
		}
	}
	if archived != 1 {
		t.Errorf("archived %d requests, want 1", archived)
	}
}

func TestAuthErrorStopsRequest(t *testing.T) {
	f, ts := newFakeEngine(t)
	wantErr := errors.New("token not loaded")
	c := New(ts.URL, WithAuth(func() (string, error) { return "", wantErr }))

	if _, err := c.ObjectInfo(context.Background(), false); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if f.objectInfoHits.Load() != 0 {
		t.Error("request sent despite auth error")
	}
}

func TestWaitForPrompt(t *testing.T) {
	_, ts := newFakeEngine(t)
	c := New(ts.URL)

	h, err := c.WaitForPrompt(context.Background(), "p-1", time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForPrompt: %v", err)
	}
	files := h.Files()
	if len(files) != 2 || files[0].Filename != "a.png" || files[1].Filename != "b.png" {
		t.Errorf("files = %+v, want a.png then b.png", files)
	}
}

func TestWaitForPromptFailure(t *testing.T) {
	f, ts := newFakeEngine(t)
	f.historyStatus = "error"
	c := New(ts.URL)

	_, err := c.WaitForPrompt(context.Background(), "p-1", time.Millisecond)
	if !errors.Is(err, ErrPromptFailed) {
		t.Errorf("err = %v, want ErrPromptFailed", err)
	}
}

func TestWaitForPromptCancelled(t *testing.T) {
	_, ts := newFakeEngine(t)
	c := New(ts.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.WaitForPrompt(ctx, "unknown", time.Hour); err == nil {
		t.Error("expected an error from a cancelled context")
	}
}

func TestAttachInputs(t *testing.T) {
	req := workflow.Request{
		"12": {ClassType: "LoadImage", Inputs: map[string]any{"image": "old.png"}},
		"3":  {ClassType: "LoadImage", Inputs: map[string]any{"image": "old.png"}},
		"5":  {ClassType: "LoadAudio"},
	}
	AttachInputs(req, []string{"first.png", "song.mp3", "second.png", "extra.png"})

	if got := req["3"].Inputs["image"]; got != "first.png" {
		t.Errorf("node 3 image = %v, want first.png", got)
	}
	if got := req["12"].Inputs["image"]; got != "second.png" {
		t.Errorf("node 12 image = %v, want second.png", got)
	}
	if got := req["5"].Inputs["audio"]; got != "song.mp3" {
		t.Errorf("node 5 audio = %v, want song.mp3", got)
	}
}
