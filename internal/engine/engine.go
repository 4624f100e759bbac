// Package engine talks to the workflow execution engine a ComfyUI job
// serves: its operator catalog, asset uploads, prompt submission and
// execution history.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/archive"
	"github.com/seantiz/anvil/internal/job"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/transport"
	"github.com/seantiz/anvil/internal/workflow"
)

// Upload kinds accepted by the engine.
const (
	KindImage = "image"
	KindMask  = "mask"
)

// uploadField is the multipart field the engine reads every upload from,
// whatever the media type.
const uploadField = "image"

// ErrPromptFailed is returned by WaitForPrompt when execution ends in error.
var ErrPromptFailed = errors.New("prompt execution failed")

// AuthFunc returns the Authorization header value for engine requests, or
// "" to send none.
type AuthFunc func() (string, error)

// Client is an execution engine client bound to one job's base URL.
type Client struct {
	t       *transport.Client
	auth    AuthFunc
	archive archive.Archiver
	jobID   string
	logger  *slog.Logger

	mu      sync.Mutex
	catalog *workflow.Catalog
}

// Option configures a Client.
type Option func(*Client)

// WithAuth sets the credential source.
func WithAuth(f AuthFunc) Option {
	return func(c *Client) { c.auth = f }
}

// WithArchive mirrors uploads and submitted requests of jobID to a.
func WithArchive(a archive.Archiver, jobID string) Option {
	return func(c *Client) {
		c.archive = a
		c.jobID = jobID
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTransportOptions passes options to the underlying transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.t = transport.New(c.t.BaseURL(), "", opts...)
	}
}

// New creates a client for the engine at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		t:       transport.New(baseURL, ""),
		auth:    func() (string, error) { return "", nil },
		archive: archive.Nop{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForHandle creates a client for the service behind h, authenticating the
// way the handle does. Job-token auth needs h.JobToken to have been called.
func ForHandle(h *job.Handle, opts ...Option) *Client {
	base := []Option{WithAuth(h.AuthHeader)}
	return New(h.BaseURL(), append(base, opts...)...)
}

func (c *Client) do(ctx context.Context, req transport.Request, out any) error {
	hdr, err := c.auth()
	if err != nil {
		return err
	}
	if hdr != "" {
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("Authorization", hdr)
	}
	return c.t.JSON(ctx, req, out)
}

// ObjectInfo returns the engine's operator catalog, fetching it on first
// use or when refresh is set.
func (c *Client) ObjectInfo(ctx context.Context, refresh bool) (*workflow.Catalog, error) {
	c.mu.Lock()
	cached := c.catalog
	c.mu.Unlock()
	if cached != nil && !refresh {
		return cached, nil
	}

	var raw json.RawMessage
	if err := c.do(ctx, transport.Request{Path: "/object_info"}, &raw); err != nil {
		return nil, fmt.Errorf("get object_info: %w", err)
	}
	cat, err := workflow.ParseObjectInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("parse object_info: %w", err)
	}

	c.mu.Lock()
	c.catalog = cat
	c.mu.Unlock()
	c.logger.Debug("object_info loaded", "operators", cat.Len())
	return cat, nil
}

// Convert compiles g against the engine's own catalog.
func (c *Client) Convert(ctx context.Context, g *workflow.Graph) (workflow.Request, error) {
	cat, err := c.ObjectInfo(ctx, false)
	if err != nil {
		return nil, err
	}
	comp := workflow.Compiler{Catalog: cat, Logger: c.logger}
	return comp.Compile(g), nil
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Upload stores data on the engine under filename and returns the name the
// engine assigned, which is what workflow inputs must reference.
func (c *Client) Upload(ctx context.Context, kind, filename, contentType string, data []byte) (string, error) {
	body, ct, err := transport.EncodeMultipart([]transport.Part{{
		Field:       uploadField,
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	}})
	if err != nil {
		return "", err
	}

	var out uploadResponse
	req := transport.Request{
		Method:      http.MethodPost,
		Path:        "/upload/" + url.PathEscape(kind),
		RawBody:     body,
		ContentType: ct,
	}
	if err := c.do(ctx, req, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	name := out.Name
	if name == "" {
		name = filename
	}
	c.mirror(ctx, archive.AssetKey(c.jobID, name), contentType, data)
	return name, nil
}

// UploadFile uploads a local file. Audio and video go through the image
// endpoint as well; the engine stores every kind in its input directory.
func (c *Client) UploadFile(ctx context.Context, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	name := filepath.Base(filePath)
	return c.Upload(ctx, KindImage, name, ContentType(name), data)
}

// ContentType guesses a media type from a file name.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".webp":
		return "image/webp"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// PromptResponse is the engine's acknowledgement of a submitted request.
type PromptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

type promptRequest struct {
	Prompt   workflow.Request `json:"prompt"`
	ClientID string           `json:"client_id"`
}

// Submit queues req for execution. An empty clientID gets a fresh one.
func (c *Client) Submit(ctx context.Context, req workflow.Request, clientID string) (*PromptResponse, error) {
	if clientID == "" {
		clientID = "anvil-" + model.NewID()
	}
	if data, err := req.Encode(); err == nil {
		c.mirror(ctx, archive.RequestKey(c.jobID), "application/json", data)
	}

	var out PromptResponse
	body := promptRequest{Prompt: req, ClientID: clientID}
	if err := c.do(ctx, transport.Request{Method: http.MethodPost, Path: "/prompt", Body: body}, &out); err != nil {
		return nil, fmt.Errorf("submit prompt: %w", err)
	}
	c.logger.Info("prompt submitted", "prompt_id", out.PromptID, "number", out.Number, "nodes", len(req))
	return &out, nil
}

// OutputFile is a file an output node produced.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the files one node produced.
type NodeOutput struct {
	Images []OutputFile `json:"images,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
	Audio  []OutputFile `json:"audio,omitempty"`
}

// HistoryStatus is the execution outcome of a prompt.
type HistoryStatus struct {
	Status    string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryEntry is the recorded execution of one prompt.
type HistoryEntry struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// Files returns every output file, ordered by node id.
func (h *HistoryEntry) Files() []OutputFile {
	var out []OutputFile
	for _, id := range slices.SortedFunc(maps.Keys(h.Outputs), workflow.CompareIDs) {
		o := h.Outputs[id]
		out = append(out, o.Images...)
		out = append(out, o.Gifs...)
		out = append(out, o.Audio...)
	}
	return out
}

// History returns the execution record of promptID. It reports false while
// the prompt is still queued or running.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, bool, error) {
	out := map[string]*HistoryEntry{}
	if err := c.do(ctx, transport.Request{Path: "/history/" + url.PathEscape(promptID)}, &out); err != nil {
		return nil, false, fmt.Errorf("get history: %w", err)
	}
	h, ok := out[promptID]
	if !ok || h == nil {
		return nil, false, nil
	}
	return h, true, nil
}

// WaitForPrompt polls History until promptID finishes or ctx ends.
func (c *Client) WaitForPrompt(ctx context.Context, promptID string, poll time.Duration) (*HistoryEntry, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		h, ok, err := c.History(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if ok {
			if h.Status.Status == "error" {
				return h, fmt.Errorf("prompt %s: %w", promptID, ErrPromptFailed)
			}
			if h.Status.Completed {
				return h, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AttachInputs points the loader nodes of req at uploaded files. Names are
// assigned to LoadImage nodes (or LoadAudio nodes for audio files) in
// ascending node id order; surplus names are ignored.
func AttachInputs(req workflow.Request, names []string) {
	var images, audio []string
	for _, n := range names {
		if strings.HasPrefix(ContentType(n), "audio/") {
			audio = append(audio, n)
		} else {
			images = append(images, n)
		}
	}
	assign(req, "LoadImage", "image", images)
	assign(req, "LoadAudio", "audio", audio)
}

func assign(req workflow.Request, classType, input string, names []string) {
	for i, m := range workflow.FindNodes(req, classType, "") {
		if i >= len(names) {
			return
		}
		if m.Entry.Inputs == nil {
			m.Entry.Inputs = map[string]any{}
		}
		m.Entry.Inputs[input] = names[i]
	}
}

func (c *Client) mirror(ctx context.Context, key, contentType string, data []byte) {
	if err := c.archive.Put(ctx, key, contentType, data); err != nil {
		c.logger.Warn("archive object", "key", key, "error", err)
	}
}
