package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/syntor/fleetcore/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect fleetd configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration after file and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *fleetConfig
		if shown.Redis.Password != "" {
			shown.Redis.Password = "********"
		}
		data, err := yaml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "# fleetd configuration")
		if cfgFile != "" {
			fmt.Fprintln(out, "# Location:", cfgFile)
		}
		fmt.Fprint(out, string(data))
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect avoidance and coordination rule tables",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the rule tables fleetd would start with",
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := startupRules(fleetConfig.RulesFile)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to marshal rules: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a rules file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := config.LoadRules(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d avoidance rules, %d coordination rules\n",
			args[0], len(rs.Avoidance), len(rs.Coordination))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rulesCmd.AddCommand(rulesShowCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
}

// startupRules loads path, or the built-in tables when no file is set
func startupRules(path string) (config.RuleSet, error) {
	if path == "" {
		return config.DefaultRuleSet(), nil
	}
	return config.LoadRules(path)
}
