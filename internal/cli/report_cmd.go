package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/purpleroc/mcp-security-inspector/internal/client"
	"github.com/purpleroc/mcp-security-inspector/internal/report"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect scan reports",
	}
	cmd.AddCommand(newReportListCmd(), newReportShowCmd(), newReportOverviewCmd())
	return cmd
}

func newReportListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			metas, err := client.New(cfg.serverAddr, cfg.apiKey).ListReports(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tSTATUS\tRISK\tISSUES")
			for _, m := range metas {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
					m.ID, m.Timestamp.Format("2006-01-02 15:04"), m.Status, m.OverallRisk, m.TotalIssues)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum reports to list")
	return cmd
}

func newReportShowCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <report-id|latest>",
		Short: "Render a report as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			rep, err := c.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			md := report.Markdown(rep)

			if output != "" {
				if err := os.WriteFile(output, []byte(md), 0o644); err != nil {
					return fmt.Errorf("write output file: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", output)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write markdown to file instead of stdout")
	return cmd
}

func newReportOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Show the unified active + passive risk overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			ov, err := client.New(cfg.serverAddr, cfg.apiKey).Overview(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"overall risk: %s\nactive issues: %d\npassive findings: %d\ntotal: %d\n"+
					"critical: %d  high: %d  medium: %d  low: %d\n",
				ov.OverallRisk, ov.ActiveIssues, ov.PassiveFindings, ov.Total,
				ov.ByLevel.Critical, ov.ByLevel.High, ov.ByLevel.Medium, ov.ByLevel.Low)
			return nil
		},
	}
}
