package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gorollout/internal/store"
)

var exportOutput string

// ExportFormat is the file structure export writes and import reads.
type ExportFormat struct {
	Flags []store.FeatureFlag `yaml:"flags" json:"flags"`
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export flags to a file",
	Long: `Export all flags to a YAML or JSON file, sorted by key.

Examples:
  rollctl export --output flags.yaml
  rollctl export --output flags.json --format json
  rollctl export > backup.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		snap, err := c.ListFlags(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list flags: %w", err)
		}

		flags := make([]store.FeatureFlag, 0, len(snap.Flags))
		for _, flag := range snap.Flags {
			flags = append(flags, flag)
		}
		sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
		exportData := ExportFormat{Flags: flags}

		var output *os.File
		if exportOutput == "" || exportOutput == "-" {
			output = os.Stdout
		} else {
			output, err = os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer output.Close()
		}

		switch format {
		case "json":
			encoder := json.NewEncoder(output)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(exportData); err != nil {
				return fmt.Errorf("failed to encode JSON: %w", err)
			}
		case "yaml", "table":
			// Default to YAML for export
			encoder := yaml.NewEncoder(output)
			defer encoder.Close()
			encoder.SetIndent(2)
			if err := encoder.Encode(exportData); err != nil {
				return fmt.Errorf("failed to encode YAML: %w", err)
			}
		default:
			return fmt.Errorf("unsupported export format: %s", format)
		}

		if exportOutput != "" && exportOutput != "-" && !quiet {
			fmt.Fprintf(os.Stderr, "Successfully exported %d flag(s) to %s\n", len(flags), exportOutput)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}
