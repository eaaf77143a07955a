package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
	"github.com/TimurManjosov/gorollout/internal/client"
)

var (
	// Global flags
	baseURL string
	apiKey  string
	env     string
	format  string
	quiet   bool
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rollctl",
	Short: "CLI for the rollout control service",
	Long: `Rollctl is a command-line tool for operating the rollout control service.

It manages feature flags, rollback triggers and rollback plans, inspects the
audit trail and the notification feed, and drives manual rollbacks.

Examples:
  rollctl flags list --env prod
  rollctl flags enable checkout-v2 --rollout 25 --env prod
  rollctl evaluate checkout-v2 --identity user-1
  rollctl rollback run --component payments --reason "bad deploy"
  rollctl events --kind trigger.fired --limit 20`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// apiClient resolves connection settings and builds the API client the RunE
// bodies share. Precedence: command flags, ROLLCTL_* environment variables,
// then ~/.rollctl/config.yaml.
func apiClient() (*client.Client, error) {
	envCfg, _, err := cli.GetEnvConfig(env, baseURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return client.NewClient(envCfg.BaseURL, envCfg.APIKey), nil
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the rollout API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for admin endpoints")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Environment from the config file (dev, staging, prod)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}
