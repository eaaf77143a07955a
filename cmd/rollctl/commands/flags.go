package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rules"
	"github.com/TimurManjosov/gorollout/internal/store"
)

var (
	listEnabledOnly bool

	createEnabled     bool
	createRollout     int
	createConditions  string
	createDescription string
	createOwner       string
	createRisk        string

	updateEnabled     bool
	updateRollout     int
	updateConditions  string
	updateDescription string
	updateOwner       string
	updateRisk        string

	enableRollout int
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Manage feature flags",
	Long:  `Create, inspect and change the feature flags the service serves.`,
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all feature flags",
	Long: `List every flag in the current snapshot.

Examples:
  rollctl flags list --env prod
  rollctl flags list --format json
  rollctl flags list --enabled-only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		snap, err := c.ListFlags(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list flags: %w", err)
		}

		if listEnabledOnly {
			for key, flag := range snap.Flags {
				if !flag.Enabled {
					delete(snap.Flags, key)
				}
			}
		}

		if quiet {
			return nil
		}
		if len(snap.Flags) == 0 {
			fmt.Println("No flags found")
			return nil
		}
		return cli.PrintSnapshot(snap, cli.OutputFormat(format))
	},
}

var flagsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a feature flag",
	Long: `Get the definition of a single flag.

Examples:
  rollctl flags get checkout-v2
  rollctl flags get checkout-v2 --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		flag, err := c.GetFlag(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get flag: %w", err)
		}

		if quiet {
			return nil
		}
		return cli.PrintFlag(flag, cli.OutputFormat(format))
	},
}

var flagsStatsCmd = &cobra.Command{
	Use:   "stats <key>",
	Short: "Show evaluation counters for a flag",
	Long: `Show how often a flag was evaluated and how the decisions split.

Example:
  rollctl flags stats checkout-v2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		stats, err := c.FlagStats(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get flag stats: %w", err)
		}

		if quiet {
			return nil
		}
		return cli.PrintStats(args[0], stats, cli.OutputFormat(format))
	},
}

var flagsCreateCmd = &cobra.Command{
	Use:   "create <key>",
	Short: "Create a new feature flag",
	Long: `Create a new feature flag with the specified key and options.

Conditions are passed as a JSON array; a flag with conditions only turns on
for contexts that match all of them.

Examples:
  rollctl flags create checkout-v2 --enabled --rollout 10 --owner payments
  rollctl flags create beta-ui --conditions '[{"type":"role","operator":"in","value":["staff"]}]'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var conditions []rules.Condition
		if createConditions != "" {
			if err := json.Unmarshal([]byte(createConditions), &conditions); err != nil {
				return fmt.Errorf("invalid conditions JSON: %w", err)
			}
		}

		c, err := apiClient()
		if err != nil {
			return err
		}

		flag := store.FeatureFlag{
			Key:         args[0],
			Description: createDescription,
			Enabled:     createEnabled,
			Rollout:     createRollout,
			Conditions:  conditions,
			Owner:       createOwner,
			RiskLevel:   createRisk,
		}

		created, err := c.CreateFlag(context.Background(), flag)
		if err != nil {
			return fmt.Errorf("failed to create flag: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Created flag '%s' (enabled: %v, rollout: %d%%)\n",
			created.Key, created.Enabled, created.Rollout)
		return nil
	},
}

var flagsUpdateCmd = &cobra.Command{
	Use:   "update <key>",
	Short: "Update a feature flag",
	Long: `Apply a partial update to an existing flag. Only the fields given as
flags change; everything else keeps its current value.

Examples:
  rollctl flags update checkout-v2 --rollout 75
  rollctl flags update checkout-v2 --enabled=false
  rollctl flags update checkout-v2 --description "checkout rewrite" --risk high`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch registry.Patch
		if cmd.Flags().Changed("enabled") {
			patch.Enabled = &updateEnabled
		}
		if cmd.Flags().Changed("rollout") {
			patch.Rollout = &updateRollout
		}
		if cmd.Flags().Changed("description") {
			patch.Description = &updateDescription
		}
		if cmd.Flags().Changed("owner") {
			patch.Owner = &updateOwner
		}
		if cmd.Flags().Changed("risk") {
			patch.RiskLevel = &updateRisk
		}
		if updateConditions != "" {
			var conditions []rules.Condition
			if err := json.Unmarshal([]byte(updateConditions), &conditions); err != nil {
				return fmt.Errorf("invalid conditions JSON: %w", err)
			}
			patch.Conditions = &conditions
		}

		c, err := apiClient()
		if err != nil {
			return err
		}

		updated, err := c.UpdateFlag(context.Background(), args[0], patch)
		if err != nil {
			return fmt.Errorf("failed to update flag: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Updated flag '%s' (enabled: %v, rollout: %d%%)\n",
			updated.Key, updated.Enabled, updated.Rollout)
		return nil
	},
}

var flagsEnableCmd = &cobra.Command{
	Use:   "enable <key>",
	Short: "Enable a feature flag",
	Long: `Enable a flag at the given rollout percentage, 100 when omitted. Use
'flags update --enabled=true' to enable without touching the percentage.

Examples:
  rollctl flags enable checkout-v2
  rollctl flags enable checkout-v2 --rollout 25`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		flag, err := c.EnableFlag(context.Background(), args[0], enableRollout)
		if err != nil {
			return fmt.Errorf("failed to enable flag: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Enabled flag '%s' at %d%% rollout\n", flag.Key, flag.Rollout)
		return nil
	},
}

var flagsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload flags from the backing store",
	Long: `Rebuild the server's flag snapshot from its backing store and flush
cached evaluations. Use after changing flag rows outside the API.

Example:
  rollctl flags reload --env prod`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		res, err := c.ReloadFlags(context.Background())
		if err != nil {
			return fmt.Errorf("failed to reload flags: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Reloaded %d flag(s) (etag %s)\n", res.Flags, res.ETag)
		return nil
	},
}

var flagsDisableCmd = &cobra.Command{
	Use:   "disable <key>",
	Short: "Disable a feature flag",
	Long: `Disable a flag. Every evaluation returns off until it is enabled
again; the rollout percentage is preserved.

Example:
  rollctl flags disable checkout-v2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		flag, err := c.DisableFlag(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to disable flag: %w", err)
		}

		if quiet {
			return nil
		}
		fmt.Printf("Disabled flag '%s'\n", flag.Key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flagsCmd)
	flagsCmd.AddCommand(flagsListCmd)
	flagsCmd.AddCommand(flagsGetCmd)
	flagsCmd.AddCommand(flagsStatsCmd)
	flagsCmd.AddCommand(flagsCreateCmd)
	flagsCmd.AddCommand(flagsUpdateCmd)
	flagsCmd.AddCommand(flagsEnableCmd)
	flagsCmd.AddCommand(flagsDisableCmd)
	flagsCmd.AddCommand(flagsReloadCmd)

	flagsListCmd.Flags().BoolVar(&listEnabledOnly, "enabled-only", false, "Show only enabled flags")

	flagsCreateCmd.Flags().BoolVar(&createEnabled, "enabled", false, "Enable the flag")
	flagsCreateCmd.Flags().IntVar(&createRollout, "rollout", 100, "Rollout percentage (0-100)")
	flagsCreateCmd.Flags().StringVar(&createConditions, "conditions", "", "Targeting conditions as a JSON array")
	flagsCreateCmd.Flags().StringVar(&createDescription, "description", "", "Flag description")
	flagsCreateCmd.Flags().StringVar(&createOwner, "owner", "", "Owning team")
	flagsCreateCmd.Flags().StringVar(&createRisk, "risk", "", "Risk level (low, medium, high)")

	flagsUpdateCmd.Flags().BoolVar(&updateEnabled, "enabled", false, "Enable or disable the flag")
	flagsUpdateCmd.Flags().IntVar(&updateRollout, "rollout", 0, "Rollout percentage (0-100)")
	flagsUpdateCmd.Flags().StringVar(&updateConditions, "conditions", "", "Targeting conditions as a JSON array")
	flagsUpdateCmd.Flags().StringVar(&updateDescription, "description", "", "Flag description")
	flagsUpdateCmd.Flags().StringVar(&updateOwner, "owner", "", "Owning team")
	flagsUpdateCmd.Flags().StringVar(&updateRisk, "risk", "", "Risk level (low, medium, high)")

	flagsEnableCmd.Flags().IntVar(&enableRollout, "rollout", 100, "Rollout percentage to set while enabling")
}
