package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/instances"
	"github.com/seantiz/anvil/internal/jobs"
	"github.com/seantiz/anvil/internal/observability"
	"github.com/seantiz/anvil/internal/transport"
)

const serviceName = "anvil"

// app holds what every command shares once flags and config are resolved.
type app struct {
	configPath string
	apiKey     string
	apiURL     string
	logLevel   string
	output     string

	cfg      config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "anvil",
		Short:         "GPU job orchestration client",
		Long:          "anvil creates and tracks GPU jobs, tails their logs and runs node-graph workflows on the engines they host.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "Config file path")
	root.PersistentFlags().StringVar(&a.apiKey, "api-key", "", "API key (overrides config and ANVIL_API_KEY)")
	root.PersistentFlags().StringVar(&a.apiURL, "api-url", "", "Control plane URL (overrides config and ANVIL_API_URL)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug/info/warn/error)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "Output format (table/json/yaml)")

	registerConfigureCommand(root, a)
	registerJobsCommand(root, a)
	registerInstancesCommand(root, a)
	registerWorkflowCommand(root, a)
	registerRunCommand(root, a)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	switch a.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}

	cfg, err := config.LoadFrom(a.configPath)
	if err != nil {
		return err
	}
	if a.apiKey != "" {
		cfg.APIKey = a.apiKey
	}
	if a.apiURL != "" {
		cfg.APIURL = a.apiURL
		cfg.WSURL = config.DeriveWSURL(a.apiURL)
	}
	if a.logLevel != "" {
		cfg.LogLevel = config.ParseLogLevel(a.logLevel)
	}
	a.cfg = cfg
	a.logger = config.NewLoggerFormat(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	a.shutdown, err = observability.InitTracing(cmd.Context(), serviceName, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	return nil
}

func (a *app) close() error {
	if a.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.shutdown(ctx)
}

func (a *app) transport() (*transport.Client, error) {
	if a.cfg.APIKey == "" {
		return nil, errors.New("no API key configured: run 'anvil configure' or set ANVIL_API_KEY")
	}
	return transport.New(a.cfg.APIURL, a.cfg.APIKey, transport.WithLogger(a.logger)), nil
}

func (a *app) jobs() (*jobs.Client, error) {
	t, err := a.transport()
	if err != nil {
		return nil, err
	}
	return jobs.New(t), nil
}

func (a *app) instances() (*instances.Client, error) {
	t, err := a.transport()
	if err != nil {
		return nil, err
	}
	return instances.New(t), nil
}

func (a *app) out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
