package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	importDryRun bool
	importForce  bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import flags from a file",
	Long: `Import flags from a YAML or JSON file produced by export. Existing
keys are rejected by the service; use --force to continue past them.

Examples:
  rollctl import flags.yaml
  rollctl import flags.yaml --dry-run
  rollctl import flags.yaml --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		var importData ExportFormat
		if err := yaml.Unmarshal(data, &importData); err != nil {
			return fmt.Errorf("failed to parse file: %w", err)
		}

		if len(importData.Flags) == 0 {
			return fmt.Errorf("no flags found in file")
		}

		if verbose {
			fmt.Printf("Found %d flag(s) to import\n", len(importData.Flags))
		}

		if importDryRun {
			fmt.Println("Dry run mode - the following flags would be imported:")
			for _, flag := range importData.Flags {
				fmt.Printf("  - %s (enabled: %v, rollout: %d%%)\n",
					flag.Key, flag.Enabled, flag.Rollout)
			}
			return nil
		}

		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		successCount := 0
		errorCount := 0

		for _, flag := range importData.Flags {
			if verbose {
				fmt.Printf("Importing flag: %s\n", flag.Key)
			}

			if _, err := c.CreateFlag(ctx, flag); err != nil {
				errorCount++
				fmt.Fprintf(os.Stderr, "Failed to import flag '%s': %v\n", flag.Key, err)
				if !importForce {
					return fmt.Errorf("import failed, use --force to continue on errors")
				}
			} else {
				successCount++
			}
		}

		if !quiet {
			fmt.Printf("Import complete: %d succeeded, %d failed\n", successCount, errorCount)
		}

		if errorCount > 0 {
			return fmt.Errorf("import completed with errors")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate without importing")
	importCmd.Flags().BoolVar(&importForce, "force", false, "Continue on errors")
}
