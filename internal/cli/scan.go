package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/purpleroc/mcp-security-inspector/internal/client"
)

func newScanCmd() *cobra.Command {
	var (
		wait   bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a comprehensive security scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			if err := c.StartScan(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scan started")
			if !wait {
				return nil
			}

			lastProgress := -1
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				st, err := c.ScanStatus(ctx)
				if err != nil {
					return err
				}
				if st.Progress != lastProgress {
					fmt.Fprintf(cmd.OutOrStdout(), "%3d%% %s\n", st.Progress, st.State)
					lastProgress = st.Progress
				}
				switch st.State {
				case "completed":
					if output != "" {
						md, err := c.ReportMarkdown(ctx, "latest")
						if err != nil {
							return err
						}
						if err := os.WriteFile(output, md, 0o644); err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", output)
					}
					return nil
				case "failed":
					return &ExitError{code: 2, message: "scan failed"}
				case "cancelled":
					return &ExitError{code: 3, message: "scan cancelled"}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", true, "Poll until the scan reaches a terminal state")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the finished report as markdown to a file")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the in-flight scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			if err := client.New(cfg.serverAddr, cfg.apiKey).CancelScan(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show scan state and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			st, err := client.New(cfg.serverAddr, cfg.apiKey).ScanStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\nprogress: %d%%\n", st.State, st.Progress)
			return nil
		},
	}

	cmd.AddCommand(cancel, status)
	return cmd
}
