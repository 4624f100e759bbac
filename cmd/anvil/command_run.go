package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/archive"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/job"
	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/workflow"
)

type runOptions struct {
	jobID      string
	reuse      bool
	image      string
	gpuType    string
	region     string
	runtime    int
	auth       bool
	inputs     []string
	paramsFile string
	prompt     string
	seed       int64
	readyWait  time.Duration
	wait       bool
	poll       time.Duration
	shutdown   bool
}

// runResult is what run prints.
type runResult struct {
	JobID    string              `json:"job_id"`
	PromptID string              `json:"prompt_id"`
	Number   int                 `json:"number"`
	Status   string              `json:"status,omitempty"`
	Files    []engine.OutputFile `json:"files,omitempty"`
	Errors   map[string]any      `json:"node_errors,omitempty"`
}

func registerRunCommand(root *cobra.Command, a *app) {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Run a workflow on a ComfyUI job",
		Long: "Run a workflow end to end: attach to or create a ComfyUI job, wait until it serves, " +
			"compile the graph against the engine's catalog, upload inputs, apply parameters and submit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.jobID, "job", "", "Use this job (id, hostname or IP) instead of creating one")
	f.BoolVar(&o.reuse, "reuse", true, "Reuse a running job of the same image when there is one")
	f.StringVar(&o.image, "image", job.ComfyUIImage, "Engine image for new jobs")
	f.StringVar(&o.gpuType, "gpu-type", "", "GPU type for new jobs")
	f.StringVar(&o.region, "region", "", "Region for new jobs")
	f.IntVar(&o.runtime, "runtime", job.DefaultRuntime, "Runtime budget in seconds for new jobs")
	f.BoolVar(&o.auth, "auth", false, "Protect a new job with a job token")
	f.StringArrayVar(&o.inputs, "input", nil, "File to upload and attach to a loader node (repeatable)")
	f.StringVar(&o.paramsFile, "params", "", "YAML or JSON parameter overrides")
	f.StringVar(&o.prompt, "prompt", "", "Positive prompt override")
	f.Int64Var(&o.seed, "seed", -1, "Seed override (negative keeps the graph's seed)")
	f.DurationVar(&o.readyWait, "ready-timeout", job.DefaultWaitTimeout, "How long to wait for the engine to serve")
	f.BoolVar(&o.wait, "wait", true, "Wait for the prompt to finish")
	f.DurationVar(&o.poll, "poll", 2*time.Second, "Prompt status poll interval")
	f.BoolVar(&o.shutdown, "shutdown", false, "Cancel the job when done")
	root.AddCommand(cmd)
}

func (a *app) run(cmd *cobra.Command, graphPath string, o runOptions) error {
	ctx := cmd.Context()
	g, err := loadGraph(graphPath)
	if err != nil {
		return err
	}
	params := workflow.Params{}
	if o.paramsFile != "" {
		if params, err = loadParams(o.paramsFile); err != nil {
			return err
		}
	}
	if o.prompt != "" {
		params.Prompt = o.prompt
	}
	if o.seed >= 0 {
		params.Seed = &o.seed
	}

	c, err := a.jobs()
	if err != nil {
		return err
	}
	m := job.NewManager(c, job.ComfyUI,
		job.WithAPIKey(a.cfg.APIKey),
		job.WithLogger(a.logger),
		job.WithJobAuth(o.auth),
	)
	h, err := a.acquire(ctx, m, o)
	if err != nil {
		return err
	}
	if o.shutdown {
		defer func() {
			// The command context may already be cancelled.
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.Shutdown(sctx); err != nil {
				a.logger.Error("cancel job", "job_id", h.ID(), "error", err)
			}
		}()
	}

	ready := job.ReadyOptions{Timeout: o.readyWait}
	if !h.Job().Scheduled() {
		ready.DNSDelay = job.DefaultDNSDelay
	}
	a.logger.Info("waiting for engine", "job_id", h.ID(), "state", h.Job().State)
	ok, err := h.WaitReady(ctx, ready)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s did not become ready (state %s)", h.ID(), h.Job().State)
	}
	if o.auth {
		if _, err := h.JobToken(ctx); err != nil {
			return err
		}
	}

	arch, err := archive.New(a.cfg.Archive, a.logger)
	if err != nil {
		return err
	}
	eng := engine.ForHandle(h, engine.WithArchive(arch, h.ID()), engine.WithLogger(a.logger))

	req, err := eng.Convert(ctx, g)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(o.inputs))
	for _, in := range o.inputs {
		name, err := eng.UploadFile(ctx, in)
		if err != nil {
			return err
		}
		names = append(names, name)
	}
	engine.AttachInputs(req, names)
	workflow.Apply(req, params)

	resp, err := eng.Submit(ctx, req, "")
	if err != nil {
		return err
	}
	res := runResult{JobID: h.ID(), PromptID: resp.PromptID, Number: resp.Number, Errors: resp.NodeErrors}
	if len(resp.NodeErrors) > 0 {
		a.renderRun(cmd, res)
		return fmt.Errorf("prompt %s rejected with %d node errors", resp.PromptID, len(resp.NodeErrors))
	}
	if o.wait {
		entry, err := eng.WaitForPrompt(ctx, resp.PromptID, o.poll)
		if entry != nil {
			res.Status = entry.Status.Status
			res.Files = entry.Files()
		}
		if err != nil {
			a.renderRun(cmd, res)
			return err
		}
	}
	return a.renderRun(cmd, res)
}

// acquire attaches to the requested job, or reuses or creates one.
func (a *app) acquire(ctx context.Context, m *job.Manager, o runOptions) (*job.Handle, error) {
	if o.jobID != "" {
		return m.GetByInstance(ctx, o.jobID, "")
	}
	port := m.Service().Port
	return m.GetOrCreate(ctx, jobs.CreateOptions{
		Image:   o.image,
		GPUType: o.gpuType,
		Region:  o.region,
		Runtime: o.runtime,
		Auth:    o.auth,
		Ports:   map[string]int{strconv.Itoa(port): port},
	}, o.reuse)
}

func (a *app) renderRun(cmd *cobra.Command, res runResult) error {
	return a.render(cmd, res, func(w io.Writer) {
		fmt.Fprintf(w, "job\t%s\n", res.JobID)
		fmt.Fprintf(w, "prompt\t%s (#%d)\n", res.PromptID, res.Number)
		if res.Status != "" {
			fmt.Fprintf(w, "status\t%s\n", res.Status)
		}
		for id, e := range res.Errors {
			fmt.Fprintf(w, "error\tnode %s: %v\n", id, e)
		}
		for _, f := range res.Files {
			fmt.Fprintf(w, "output\t%s\n", orDash(joinSubfolder(f)))
		}
	})
}

func joinSubfolder(f engine.OutputFile) string {
	if f.Subfolder == "" {
		return f.Filename
	}
	return f.Subfolder + "/" + f.Filename
}
