package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
	"github.com/TimurManjosov/gorollout/internal/engine"
	"github.com/TimurManjosov/gorollout/internal/registry"
)

var (
	evalIdentity    string
	evalRole        string
	evalResource    string
	evalPath        string
	evalEnvironment string
	evalSession     string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [key...]",
	Short: "Evaluate flags for a context",
	Long: `Evaluate one or more flags the way the service would for the given
context. Without keys, every flag in the snapshot is evaluated.

Examples:
  rollctl evaluate checkout-v2 --identity user-1
  rollctl evaluate checkout-v2 beta-ui --identity user-1 --role staff
  rollctl evaluate --identity user-1 --environment staging`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		ec := engine.EvaluationContext{
			Identity:    evalIdentity,
			Role:        evalRole,
			ResourceID:  evalResource,
			Path:        evalPath,
			Environment: evalEnvironment,
			SessionID:   evalSession,
		}

		ctx := context.Background()
		var results []registry.Result
		if len(args) == 1 {
			res, err := c.Evaluate(ctx, args[0], ec)
			if err != nil {
				return fmt.Errorf("failed to evaluate flag: %w", err)
			}
			results = []registry.Result{res}
		} else {
			resp, err := c.EvaluateAll(ctx, args, ec)
			if err != nil {
				return fmt.Errorf("failed to evaluate flags: %w", err)
			}
			results = resp.Flags
		}

		if quiet {
			return nil
		}
		if len(results) == 0 {
			fmt.Println("No flags evaluated")
			return nil
		}
		return cli.PrintResults(results, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evalIdentity, "identity", "", "Stable identity for percentage bucketing")
	evaluateCmd.Flags().StringVar(&evalRole, "role", "", "Role of the caller")
	evaluateCmd.Flags().StringVar(&evalResource, "resource", "", "Resource identifier")
	evaluateCmd.Flags().StringVar(&evalPath, "path", "", "Request path")
	evaluateCmd.Flags().StringVar(&evalEnvironment, "environment", "", "Deployment environment of the caller")
	evaluateCmd.Flags().StringVar(&evalSession, "session", "", "Session identifier")
}
