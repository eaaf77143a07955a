package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
)

var (
	rollbackComponent string
	rollbackPlan      string
	rollbackReason    string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Run and inspect rollback plans",
	Long:  `Start rollbacks, follow their executions and list the registered plans.`,
}

var rollbackRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a rollback",
	Long: `Start a rollback for a component or a specific plan. The command
returns as soon as the service reports an outcome; slow plans keep running
server-side and can be followed with 'rollback status'.

Examples:
  rollctl rollback run --component payments --reason "bad deploy"
  rollctl rollback run --plan payments-drain --reason "error rate spike"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if rollbackComponent == "" && rollbackPlan == "" {
			return fmt.Errorf("either --component or --plan is required")
		}

		c, err := apiClient()
		if err != nil {
			return err
		}

		ctx := context.Background()
		out, err := c.StartRollback(ctx, rollbackComponent, rollbackPlan, rollbackReason)
		if err != nil {
			return fmt.Errorf("failed to start rollback: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Rollback %s: %s\n", out.ExecutionID, out.Status)
		if out.Message != "" {
			fmt.Println(out.Message)
		}
		if verbose {
			exec, err := c.GetRollback(ctx, out.ExecutionID)
			if err != nil {
				return fmt.Errorf("failed to fetch execution: %w", err)
			}
			return cli.PrintExecution(exec, cli.OutputFormat(format))
		}
		return nil
	},
}

var rollbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent rollback executions",
	Long: `List recent rollback executions, newest first.

Example:
  rollctl rollback list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		execs, err := c.ListRollbacks(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list executions: %w", err)
		}

		if quiet {
			return nil
		}
		if len(execs) == 0 {
			fmt.Println("No executions found")
			return nil
		}
		return cli.PrintExecutions(execs, cli.OutputFormat(format))
	},
}

var rollbackStatusCmd = &cobra.Command{
	Use:   "status <executionId>",
	Short: "Show one rollback execution",
	Long: `Show a rollback execution with its step results and check outcomes.

Example:
  rollctl rollback status 6b9f1a2e`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		exec, err := c.GetRollback(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}

		if quiet {
			return nil
		}
		return cli.PrintExecution(exec, cli.OutputFormat(format))
	},
}

var rollbackPlansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List registered rollback plans",
	Long: `List every registered rollback plan with its steps.

Example:
  rollctl rollback plans`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		plans, err := c.ListPlans(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list plans: %w", err)
		}

		if quiet {
			return nil
		}
		if len(plans) == 0 {
			fmt.Println("No plans found")
			return nil
		}
		return cli.PrintPlans(plans, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.AddCommand(rollbackRunCmd)
	rollbackCmd.AddCommand(rollbackListCmd)
	rollbackCmd.AddCommand(rollbackStatusCmd)
	rollbackCmd.AddCommand(rollbackPlansCmd)

	rollbackRunCmd.Flags().StringVar(&rollbackComponent, "component", "", "Component to roll back")
	rollbackRunCmd.Flags().StringVar(&rollbackPlan, "plan", "", "Plan ID to run")
	rollbackRunCmd.Flags().StringVar(&rollbackReason, "reason", "", "Why the rollback is being run")
}
