package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/metrics"
)

var metricsPushTags []string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Push metric samples",
	Long:  `Feed samples into the metric store the triggers evaluate against.`,
}

var metricsPushCmd = &cobra.Command{
	Use:   "push <name> <value>",
	Short: "Push one metric sample",
	Long: `Push a single sample, mostly useful for testing trigger thresholds
by hand.

Examples:
  rollctl metrics push checkout_error_rate 0.12
  rollctl metrics push checkout_latency_ms 950 --tag region=eu --tag pop=fra`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[1], err)
		}

		tags := make(map[string]string, len(metricsPushTags))
		for _, tag := range metricsPushTags {
			k, v, ok := strings.Cut(tag, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid tag %q, want key=value", tag)
			}
			tags[k] = v
		}

		c, err := apiClient()
		if err != nil {
			return err
		}

		sample := metrics.Sample{Name: args[0], Value: value, Tags: tags}
		accepted, err := c.PushSamples(context.Background(), []metrics.Sample{sample})
		if err != nil {
			return fmt.Errorf("failed to push sample: %w", err)
		}

		if !quiet {
			fmt.Printf("Pushed %d sample(s)\n", accepted)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.AddCommand(metricsPushCmd)

	metricsPushCmd.Flags().StringArrayVar(&metricsPushTags, "tag", nil, "Sample tag as key=value (repeatable)")
}
