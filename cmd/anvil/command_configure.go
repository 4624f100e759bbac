package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
)

func registerConfigureCommand(root *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Store the API key and URL in the config file",
		Long:  "Store the API key and URL in the config file. The key is read from --api-key or prompted for on stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := a.apiKey
			if key == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read api key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return errors.New("api key is required")
			}
			if err := config.Configure(a.configPath, key, a.apiURL); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "Saved configuration to %s\n", a.configPath)
			return nil
		},
	}
	root.AddCommand(cmd)
}
