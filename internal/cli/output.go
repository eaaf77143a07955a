package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

const timeFormat = "2006-01-02 15:04"

// render dispatches between the structured formats and a per-resource table.
func render(format OutputFormat, data any, tableFn func() error) error {
	switch format {
	case FormatJSON:
		return printJSON(data)
	case FormatYAML:
		return printYAML(data)
	case FormatTable:
		return tableFn()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(data any) error {
	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// PrintSnapshot outputs the flag snapshot in the specified format
func PrintSnapshot(snap registry.Snapshot, format OutputFormat) error {
	return render(format, snap, func() error {
		keys := make([]string, 0, len(snap.Flags))
		for key := range snap.Flags {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Key", "Enabled", "Rollout", "Conditions", "Owner", "Risk", "Updated At")
		for _, key := range keys {
			flag := snap.Flags[key]
			table.Append(
				flag.Key,
				fmt.Sprintf("%t", flag.Enabled),
				fmt.Sprintf("%d%%", flag.Rollout),
				fmt.Sprintf("%d", len(flag.Conditions)),
				flag.Owner,
				flag.RiskLevel,
				flag.UpdatedAt.Format(timeFormat),
			)
		}
		return table.Render()
	})
}

// PrintFlag outputs a single flag in the specified format
func PrintFlag(flag store.FeatureFlag, format OutputFormat) error {
	return render(format, flag, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Key", "Enabled", "Rollout", "Conditions", "Owner", "Risk", "Description")
		table.Append(
			flag.Key,
			fmt.Sprintf("%t", flag.Enabled),
			fmt.Sprintf("%d%%", flag.Rollout),
			fmt.Sprintf("%d", len(flag.Conditions)),
			flag.Owner,
			flag.RiskLevel,
			truncate(flag.Description, 40),
		)
		return table.Render()
	})
}

// PrintStats outputs evaluation counters for one flag
func PrintStats(key string, stats registry.FlagStats, format OutputFormat) error {
	return render(format, stats, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Key", "Evaluations", "Enabled", "Disabled", "Errors", "Avg Latency")
		table.Append(
			key,
			fmt.Sprintf("%d", stats.Evaluations),
			fmt.Sprintf("%d", stats.EnabledCount),
			fmt.Sprintf("%d", stats.DisabledCount),
			fmt.Sprintf("%d", stats.ErrorCount),
			fmt.Sprintf("%.1fus", stats.AvgLatencyUs),
		)
		return table.Render()
	})
}

// PrintResults outputs evaluation decisions in the specified format
func PrintResults(results []registry.Result, format OutputFormat) error {
	return render(format, results, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Flag", "Enabled", "Reason")
		for _, res := range results {
			table.Append(res.FlagKey, fmt.Sprintf("%t", res.Enabled), res.Reason)
		}
		return table.Render()
	})
}

// PrintTriggers outputs triggers with their runtime state
func PrintTriggers(statuses []trigger.Status, format OutputFormat) error {
	return render(format, statuses, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Metric", "Condition", "Window", "State", "Fires", "Action")
		for _, st := range statuses {
			condition := fmt.Sprintf("%s(%s) %s %g", st.Aggregation, st.Metric, st.Operator, st.Threshold)
			table.Append(
				st.ID,
				st.Metric,
				condition,
				st.Window,
				st.State,
				fmt.Sprintf("%d", st.FireCount),
				st.Action.Type,
			)
		}
		return table.Render()
	})
}

// PrintExecutions outputs rollback executions in the specified format
func PrintExecutions(execs []rollback.Execution, format OutputFormat) error {
	return render(format, execs, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Plan", "Component", "Status", "Steps", "Started At", "Duration")
		for _, exec := range execs {
			table.Append(
				exec.ID,
				exec.PlanID,
				exec.Component,
				string(exec.Status),
				fmt.Sprintf("%d", len(exec.Steps)),
				exec.StartedAt.Format(timeFormat),
				fmt.Sprintf("%dms", exec.DurationMs),
			)
		}
		return table.Render()
	})
}

// PrintExecution outputs one execution with its step detail
func PrintExecution(exec rollback.Execution, format OutputFormat) error {
	return render(format, exec, func() error {
		fmt.Printf("Execution:  %s\n", exec.ID)
		fmt.Printf("Plan:       %s (component %s)\n", exec.PlanID, exec.Component)
		fmt.Printf("Status:     %s\n", exec.Status)
		if exec.Reason != "" {
			fmt.Printf("Reason:     %s\n", exec.Reason)
		}
		if exec.Error != "" {
			fmt.Printf("Error:      %s\n", exec.Error)
		}
		fmt.Printf("Started:    %s\n", exec.StartedAt.Format(timeFormat))
		if !exec.FinishedAt.IsZero() {
			fmt.Printf("Finished:   %s (%dms)\n", exec.FinishedAt.Format(timeFormat), exec.DurationMs)
		}
		fmt.Println()

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "Step", "Method", "Status", "Detail")
		for _, step := range exec.Steps {
			detail := step.Message
			if step.Error != "" {
				detail = step.Error
			}
			table.Append(
				fmt.Sprintf("%d", step.Order),
				step.Name,
				step.Method,
				string(step.Status),
				truncate(detail, 40),
			)
		}
		return table.Render()
	})
}

// PrintPlans outputs registered rollback plans
func PrintPlans(plans []rollback.Plan, format OutputFormat) error {
	return render(format, plans, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Component", "Steps", "Description")
		for _, plan := range plans {
			steps := make([]string, 0, len(plan.Steps))
			for _, step := range plan.Steps {
				steps = append(steps, step.Name)
			}
			table.Append(
				plan.ID,
				plan.Component,
				truncate(strings.Join(steps, ", "), 40),
				truncate(plan.Description, 40),
			)
		}
		return table.Render()
	})
}

// PrintEvents outputs audit events in the specified format
func PrintEvents(events []audit.Event, format OutputFormat) error {
	return render(format, events, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Time", "Kind", "Resource", "Actor", "Status")
		for _, ev := range events {
			table.Append(
				ev.OccurredAt.Format(timeFormat),
				ev.Kind,
				ev.Resource,
				ev.Actor,
				ev.Status,
			)
		}
		return table.Render()
	})
}

// PrintNotifications outputs the dashboard feed in the specified format
func PrintNotifications(notifications []notify.Notification, format OutputFormat) error {
	return render(format, notifications, func() error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Time", "Severity", "Subject")
		for _, n := range notifications {
			table.Append(
				n.CreatedAt.Format(timeFormat),
				string(n.Severity),
				truncate(n.Subject, 60),
			)
		}
		return table.Render()
	})
}
