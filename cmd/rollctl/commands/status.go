package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
	"github.com/TimurManjosov/gorollout/internal/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check service readiness",
	Long: `Probe the service readiness endpoint and report flag and trigger
counts.

Example:
  rollctl status --env prod`,
	RunE: func(cmd *cobra.Command, args []string) error {
		envCfg, envName, err := cli.GetEnvConfig(env, baseURL, apiKey)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		c := client.NewClient(envCfg.BaseURL, envCfg.APIKey)
		ctx := context.Background()

		if err := c.Ready(ctx); err != nil {
			return fmt.Errorf("service at %s is not ready: %w", envCfg.BaseURL, err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Service at %s (%s) is ready\n", envCfg.BaseURL, envName)

		snap, err := c.ListFlags(ctx)
		if err == nil {
			fmt.Printf("Flags: %d (snapshot %s)\n", len(snap.Flags), snap.ETag)
		}
		// Trigger listing needs the admin key; skip the count without one.
		if envCfg.APIKey != "" {
			if statuses, err := c.ListTriggers(ctx); err == nil {
				fmt.Printf("Triggers: %d\n", len(statuses))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
