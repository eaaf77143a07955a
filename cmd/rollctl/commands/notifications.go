package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gorollout/internal/cli"
)

var notificationsLimit int

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show the dashboard notification feed",
	Long: `Show recent notifications from the dashboard feed, newest first.

Examples:
  rollctl notifications
  rollctl notifications --limit 10 --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		notifications, err := c.ListNotifications(context.Background(), notificationsLimit)
		if err != nil {
			return fmt.Errorf("failed to list notifications: %w", err)
		}

		if quiet {
			return nil
		}
		if len(notifications) == 0 {
			fmt.Println("No notifications found")
			return nil
		}
		return cli.PrintNotifications(notifications, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(notificationsCmd)

	notificationsCmd.Flags().IntVar(&notificationsLimit, "limit", 50, "Maximum number of notifications")
}
