package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gorollout/internal/cli"
	"github.com/TimurManjosov/gorollout/internal/client"
)

var triggerFile string

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Manage rollback triggers",
	Long:  `Inspect and change the metric triggers that guard rollouts.`,
}

var triggersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all triggers",
	Long: `List every trigger with its runtime state, cooldown and fire count.

Examples:
  rollctl triggers list
  rollctl triggers list --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		statuses, err := c.ListTriggers(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list triggers: %w", err)
		}

		if quiet {
			return nil
		}
		if len(statuses) == 0 {
			fmt.Println("No triggers found")
			return nil
		}
		return cli.PrintTriggers(statuses, cli.OutputFormat(format))
	},
}

var triggersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a trigger from a file",
	Long: `Create a trigger from a YAML or JSON definition file.

The file holds one trigger definition:

  id: error-rate-guard
  metric: checkout_error_rate
  aggregation: avg
  window: 5m
  operator: greaterThan
  threshold: 0.05
  cooldown: 10m
  action:
    type: disableFlag
    flagKey: checkout-v2

Example:
  rollctl triggers create -f trigger.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(triggerFile)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		var spec client.TriggerSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("failed to parse trigger definition: %w", err)
		}

		c, err := apiClient()
		if err != nil {
			return err
		}

		status, err := c.CreateTrigger(context.Background(), spec)
		if err != nil {
			return fmt.Errorf("failed to create trigger: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Created trigger '%s' (state: %s)\n", status.ID, status.State)
		return nil
	},
}

var triggersEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a trigger",
	Long: `Enable a trigger so the engine evaluates it again.

Example:
  rollctl triggers enable error-rate-guard`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		status, err := c.EnableTrigger(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to enable trigger: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Enabled trigger '%s' (state: %s)\n", status.ID, status.State)
		return nil
	},
}

var triggersDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a trigger",
	Long: `Disable a trigger. The engine skips it until it is enabled again;
its definition and fire count are preserved.

Example:
  rollctl triggers disable error-rate-guard`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		status, err := c.DisableTrigger(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to disable trigger: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Disabled trigger '%s'\n", status.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggersCmd)
	triggersCmd.AddCommand(triggersListCmd)
	triggersCmd.AddCommand(triggersCreateCmd)
	triggersCmd.AddCommand(triggersEnableCmd)
	triggersCmd.AddCommand(triggersDisableCmd)

	triggersCreateCmd.Flags().StringVarP(&triggerFile, "file", "f", "", "Trigger definition file (YAML or JSON)")
	_ = triggersCreateCmd.MarkFlagRequired("file")
}
