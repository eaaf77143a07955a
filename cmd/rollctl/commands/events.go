package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
	"github.com/TimurManjosov/gorollout/internal/client"
)

var (
	eventsKind     string
	eventsResource string
	eventsSince    string
	eventsLimit    int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the audit trail",
	Long: `Query audit events, newest first. --since accepts a duration
("30m", "2h") measured back from now, or an RFC 3339 timestamp.

Examples:
  rollctl events --limit 20
  rollctl events --kind trigger.fired --since 2h
  rollctl events --resource checkout-v2 --since 2025-06-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := client.EventFilter{
			Kind:     eventsKind,
			Resource: eventsResource,
			Limit:    eventsLimit,
		}
		if eventsSince != "" {
			since, err := parseSince(eventsSince)
			if err != nil {
				return err
			}
			filter.Since = since
		}

		c, err := apiClient()
		if err != nil {
			return err
		}

		events, err := c.ListEvents(context.Background(), filter)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		if quiet {
			return nil
		}
		if len(events) == 0 {
			fmt.Println("No events found")
			return nil
		}
		return cli.PrintEvents(events, cli.OutputFormat(format))
	},
}

func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration like 2h or an RFC 3339 timestamp", s)
	}
	return t, nil
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "Filter by event kind (flag.updated, trigger.fired, ...)")
	eventsCmd.Flags().StringVar(&eventsResource, "resource", "", "Filter by resource (flag key, trigger ID, ...)")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Only events after this time")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events")
}
