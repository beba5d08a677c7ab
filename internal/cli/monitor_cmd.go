package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/purpleroc/mcp-security-inspector/internal/client"
	"github.com/purpleroc/mcp-security-inspector/internal/events"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Control the passive call monitor",
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Enable passive monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			return client.New(cfg.serverAddr, cfg.apiKey).EnableMonitor(cmd.Context())
		},
	}

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable passive monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			return client.New(cfg.serverAddr, cfg.apiKey).DisableMonitor(cmd.Context())
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show monitor state and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			st, err := client.New(cfg.serverAddr, cfg.apiKey).MonitorStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled: %t\ninspected: %d\nmatched: %d\nbuffered: %d\n",
				st.Enabled, st.Inspected, st.Matched, st.Buffered)
			return nil
		},
	}

	results := &cobra.Command{
		Use:   "results",
		Short: "List buffered detection results, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			rs, err := client.New(cfg.serverAddr, cfg.apiKey).MonitorResults(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTARGET\tTYPE\tRISK\tTHREATS\tLEAKS")
			for _, r := range rs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					r.Timestamp.Format("15:04:05"), r.TargetName, r.Type,
					r.RiskLevel, len(r.Threats), len(r.SensitiveDataLeaks))
			}
			return tw.Flush()
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Clear the result buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			return client.New(cfg.serverAddr, cfg.apiKey).ClearMonitorResults(cmd.Context())
		},
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow live detection results over the event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := getClientConfig(cmd)
			ch, err := client.New(cfg.serverAddr, cfg.apiKey).Stream(ctx, string(events.TopicPassiveResult))
			if err != nil {
				return err
			}
			for ev := range ch {
				var r types.PassiveDetectionResult
				if err := json.Unmarshal(ev.Payload, &r); err != nil {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %-10s %s (threats=%d leaks=%d)\n",
					r.Timestamp.Format("15:04:05"), r.RiskLevel, r.Type,
					r.TargetName, len(r.Threats), len(r.SensitiveDataLeaks))
			}
			return nil
		},
	}

	cmd.AddCommand(enable, disable, status, results, clear, tail)
	return cmd
}
