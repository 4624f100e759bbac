package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/workflow"
)

func registerWorkflowCommand(root *cobra.Command, a *app) {
	wfCmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Compile and edit node-graph workflows offline",
	}
	root.AddCommand(wfCmd)

	var objectInfo, paramsFile, outFile string
	compileCmd := &cobra.Command{
		Use:   "compile <graph.json>",
		Short: "Compile an editor graph into an executable request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			cat := workflow.DefaultCatalog()
			if objectInfo != "" {
				data, err := os.ReadFile(objectInfo)
				if err != nil {
					return fmt.Errorf("read object info: %w", err)
				}
				if cat, err = workflow.ParseObjectInfo(data); err != nil {
					return err
				}
			}
			req := (&workflow.Compiler{Catalog: cat, Logger: a.logger}).Compile(g)
			if paramsFile != "" {
				p, err := loadParams(paramsFile)
				if err != nil {
					return err
				}
				workflow.Apply(req, p)
			}
			a.logger.Debug("workflow compiled", "graph", args[0], "nodes", len(req))
			return a.writeDocument(cmd, outFile, req)
		},
	}
	compileCmd.Flags().StringVar(&objectInfo, "object-info", "", "Operator catalog (engine /object_info response) to compile against")
	compileCmd.Flags().StringVar(&paramsFile, "params", "", "YAML or JSON parameter overrides to apply")
	compileCmd.Flags().StringVar(&outFile, "out", "", "Write the request to this file instead of stdout")
	wfCmd.AddCommand(compileCmd)

	var sets []string
	var modesOut string
	modesCmd := &cobra.Command{
		Use:   "modes <graph.json>",
		Short: "Enable, bypass or mute graph nodes by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			configs, err := parseModeSets(sets)
			if err != nil {
				return err
			}
			if missing := workflow.SetModes(g, configs); len(missing) > 0 {
				a.logger.Warn("nodes not found", "ids", missing)
			}
			return a.writeDocument(cmd, modesOut, g)
		},
	}
	modesCmd.Flags().StringArrayVar(&sets, "set", nil, "Node mode as id=enabled|bypass|muted|<n> (repeatable)")
	modesCmd.Flags().StringVar(&modesOut, "out", "", "Write the graph to this file instead of stdout")
	modesCmd.MarkFlagRequired("set")
	wfCmd.AddCommand(modesCmd)
}

func loadGraph(path string) (*workflow.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return workflow.DecodeGraph(data)
}

// loadParams reads parameter overrides. JSON is valid YAML, so one decoder
// serves both.
func loadParams(path string) (workflow.Params, error) {
	var p workflow.Params
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse params %s: %w", path, err)
	}
	return p, nil
}

func parseModeSets(sets []string) (map[string]workflow.ModeConfig, error) {
	out := make(map[string]workflow.ModeConfig, len(sets))
	for _, s := range sets {
		id, val, ok := strings.Cut(s, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --set %q: want id=mode", s)
		}
		c, err := workflow.ParseModeValue(val)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		out[id] = c
	}
	return out, nil
}

// writeDocument writes v as indented JSON to path, or renders it to stdout
// when path is empty. Documents have no table form, so table prints JSON.
func (a *app) writeDocument(cmd *cobra.Command, path string, v any) error {
	if path == "" {
		if a.output == "table" {
			a.output = "json"
		}
		return a.render(cmd, v, nil)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", path)
	return nil
}
