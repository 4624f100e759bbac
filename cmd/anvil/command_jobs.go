package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/job"
	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/logstream"
	"github.com/seantiz/anvil/internal/model"
)

func registerJobsCommand(root *cobra.Command, a *app) {
	jobsCmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"job"},
		Short:   "Create, inspect and cancel jobs",
	}
	root.AddCommand(jobsCmd)

	var state string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context(), model.State(state))
			if err != nil {
				return err
			}
			return a.render(cmd, list, func(w io.Writer) {
				printJobHeader(w)
				for _, j := range list {
					printJobRow(w, j)
				}
			})
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "Only list jobs in this state")
	jobsCmd.AddCommand(listCmd)

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "get <job-id|hostname|ip>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			j, err := c.Find(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			return a.renderJob(cmd, j)
		},
	})

	var (
		create        jobs.CreateOptions
		interruptible bool
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			opts := create
			opts.Interruptible = &interruptible
			j, err := c.Create(cmd.Context(), opts)
			if err != nil {
				return err
			}
			a.logger.Info("job created", "job_id", j.ID, "gpu_type", j.GPUType, "region", j.Region)
			return a.renderJob(cmd, j)
		},
	}
	createCmd.Flags().StringVar(&create.Image, "image", "", "Container image")
	createCmd.Flags().StringVar(&create.Command, "command", "", "Command to run in the container")
	createCmd.Flags().StringVar(&create.GPUType, "gpu-type", model.DefaultGPUType, "GPU type")
	createCmd.Flags().IntVar(&create.GPUCount, "gpu-count", 1, "Number of GPUs")
	createCmd.Flags().StringVar(&create.Region, "region", "", "Region (default: any)")
	createCmd.Flags().IntVar(&create.Runtime, "runtime", job.DefaultRuntime, "Runtime budget in seconds")
	createCmd.Flags().BoolVar(&interruptible, "interruptible", true, "Use interruptible pricing")
	createCmd.Flags().StringToStringVar(&create.Env, "env", nil, "Environment variables (KEY=VALUE)")
	createCmd.Flags().StringToIntVar(&create.Ports, "port", nil, "Ports to expose (NAME=PORT)")
	createCmd.Flags().BoolVar(&create.Auth, "auth", false, "Protect the job's service with a job token")
	createCmd.MarkFlagRequired("image")
	jobsCmd.AddCommand(createCmd)

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "Cancelled %s\n", args[0])
			return nil
		},
	})

	var runtime int
	extendCmd := &cobra.Command{
		Use:   "extend <job-id>",
		Short: "Set a job's runtime budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			j, err := c.Extend(cmd.Context(), args[0], runtime)
			if err != nil {
				return err
			}
			return a.renderJob(cmd, j)
		},
	}
	extendCmd.Flags().IntVar(&runtime, "runtime", 0, "New runtime budget in seconds")
	extendCmd.MarkFlagRequired("runtime")
	jobsCmd.AddCommand(extendCmd)

	var (
		follow bool
		tail   int
	)
	logsCmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			w := a.out(cmd)
			if !follow {
				lines, err := logstream.FetchLogs(cmd.Context(), c, args[0], tail)
				if err != nil {
					return err
				}
				for _, l := range lines {
					fmt.Fprintln(w, l)
				}
				return nil
			}
			opts := logstream.FollowOptions{
				Stream: logstream.Options{
					WSURL:           a.cfg.WSURL,
					APIKey:          a.cfg.APIKey,
					MaxInitialLines: tail,
					Logger:          a.logger,
				},
			}
			for line, err := range logstream.Follow(cmd.Context(), c, args[0], opts) {
				if err != nil {
					return err
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream output until the job finishes")
	logsCmd.Flags().IntVar(&tail, "tail", 0, "Only print the last N historical lines (0 for all; 1000 when following)")
	jobsCmd.AddCommand(logsCmd)

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "metrics <job-id>",
		Short: "Show a job's GPU and system metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			m, err := c.Metrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.render(cmd, m, func(w io.Writer) {
				fmt.Fprintln(w, "GPU\tNAME\tUTIL\tMEMORY\tTEMP\tPOWER")
				for _, g := range m.GPUs {
					fmt.Fprintf(w, "%d\t%s\t%.0f%%\t%.0f/%.0f MB\t%.0fC\t%.0fW\n",
						g.Index, g.Name, g.Utilization, g.MemoryUsedMB, g.MemoryTotalMB, g.TemperatureC, g.PowerDrawW)
				}
				if s := m.System; s != nil {
					fmt.Fprintf(w, "system\tcpu %.1f%% of %d cores\tmemory %.0f/%.0f MB\n",
						s.CPUPercent, s.CPUCores, s.MemoryUsedMB, s.MemoryLimitMB)
				}
			})
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "token <job-id>",
		Short: "Print the job's service token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			tok, err := c.Token(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out(cmd), tok)
			return nil
		},
	})

	var (
		timeout     time.Duration
		poll        time.Duration
		health      bool
		serviceName string
	)
	waitCmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait for a job to run, and optionally for its service to answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.jobs()
			if err != nil {
				return err
			}
			svc, ok := job.ServiceByName(serviceName)
			if !ok {
				return fmt.Errorf("unknown service %q", serviceName)
			}
			j, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			m := job.NewManager(c, svc, job.WithAPIKey(a.cfg.APIKey), job.WithLogger(a.logger))
			h := m.Attach(*j)

			var ready bool
			if health {
				ready, err = h.WaitReady(cmd.Context(), job.ReadyOptions{Timeout: timeout, PollInterval: poll})
			} else {
				ready, err = h.WaitForRunning(cmd.Context(), timeout, poll)
			}
			if err != nil {
				return err
			}
			if !ready {
				return fmt.Errorf("job %s not ready (state %s)", h.ID(), h.Job().State)
			}
			fmt.Fprintf(a.out(cmd), "Job %s is ready at %s\n", h.ID(), h.BaseURL())
			return nil
		},
	}
	waitCmd.Flags().DurationVar(&timeout, "timeout", job.DefaultWaitTimeout, "Give up after this long")
	waitCmd.Flags().DurationVar(&poll, "poll", job.DefaultPollInterval, "Poll interval")
	waitCmd.Flags().BoolVar(&health, "health", false, "Also wait for the service health probe")
	waitCmd.Flags().StringVar(&serviceName, "service", job.Generic.Name, "Service profile (generic/comfyui/gradio)")
	jobsCmd.AddCommand(waitCmd)
}

func (a *app) renderJob(cmd *cobra.Command, j *model.Job) error {
	return a.render(cmd, j, func(w io.Writer) {
		printJobHeader(w)
		printJobRow(w, *j)
	})
}

func printJobHeader(w io.Writer) {
	fmt.Fprintln(w, "ID\tSTATE\tGPU\tREGION\tHOSTNAME\tPRICE\tRUNTIME")
}

func printJobRow(w io.Writer, j model.Job) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t$%.2f/hr\t%ds\n",
		j.ID, j.State, model.PricingKey(j.GPUType, j.GPUCount), orDash(j.Region), orDash(j.Hostname), j.PricePerHour, j.Runtime)
}
