package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/purpleroc/mcp-security-inspector/internal/client"
	"github.com/purpleroc/mcp-security-inspector/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage detection rules",
	}
	cmd.AddCommand(
		newRulesListCmd(),
		newRulesAddCmd(),
		newRulesRemoveCmd(),
		newRulesToggleCmd(),
		newRulesValidateCmd(),
		newRulesExportCmd(),
		newRulesImportCmd(),
	)
	return cmd
}

func newRulesListCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			rs, err := client.New(cfg.serverAddr, cfg.apiKey).ListRules(cmd.Context(), query)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tRISK\tSCOPE\tENABLED\tBUILTIN")
			for _, r := range rs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n",
					r.ID, r.Name, r.RiskLevel, r.Scope, r.Enabled, r.IsBuiltin)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter by name, description or tag substring")
	return cmd
}

func newRulesAddCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a custom rule from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var r rules.Rule
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("parse rule: %w", err)
			}

			cfg := getClientConfig(cmd)
			created, err := client.New(cfg.serverAddr, cfg.apiKey).CreateRule(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created rule %s (%s)\n", created.ID, created.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rule JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRulesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Delete a custom rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			return client.New(cfg.serverAddr, cfg.apiKey).DeleteRule(cmd.Context(), args[0])
		},
	}
}

func newRulesToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <rule-id> <true|false>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("second argument must be true or false")
			}
			cfg := getClientConfig(cmd)
			return client.New(cfg.serverAddr, cfg.apiKey).ToggleRule(cmd.Context(), args[0], enabled)
		},
	}
}

func newRulesValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rule draft without saving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var r rules.Rule
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("parse rule: %w", err)
			}

			cfg := getClientConfig(cmd)
			res, err := client.New(cfg.serverAddr, cfg.apiKey).ValidateRule(cmd.Context(), r)
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			if !res.Valid {
				return &ExitError{code: 1, message: "rule is invalid"}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rule is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rule JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRulesExportCmd() *cobra.Command {
	var filter, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export rules as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			data, err := client.New(cfg.serverAddr, cfg.apiKey).ExportRules(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "Which rules to export: all|custom|enabled")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newRulesImportCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import rules from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg := getClientConfig(cmd)
			res, err := client.New(cfg.serverAddr, cfg.apiKey).ImportRules(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", res.Imported, res.Skipped)
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rules JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
