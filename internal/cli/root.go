// Package cli implements the fleetd command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntor/fleetcore/pkg/config"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile   string
	rulesFile string

	// Global config
	fleetConfig *config.FleetConfig
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Drone fleet coordination service",
	Long: `fleetd tracks a drone fleet over Kafka, predicts collision risk,
evaluates coordination rules, assigns missions and manages swarms.

Start the service:
  fleetd run --config fleet.yaml --rules rules.yaml

Inspect configuration:
  fleetd config show
  fleetd rules check rules.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if rulesFile != "" {
			cfg.RulesFile = rulesFile
		}
		fleetConfig = cfg
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&rulesFile, "rules", "", "rules file (overrides rules_file and "+config.EnvRulesFile+")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(rulesCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fleetd %s\n", Version)
		fmt.Fprintf(out, "Build: %s\n", BuildTime)
		fmt.Fprintf(out, "Commit: %s\n", GitCommit)
	},
}
