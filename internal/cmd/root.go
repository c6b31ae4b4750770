package cmd

import (
	"strings"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "autobuild",
	Short: "Autonomous issue-processing orchestrator",
	Long: `AutoBuild drains a backlog of issues without human supervision.
A pool of workers claims issues in priority order, runs a coding agent
against each one, verifies the result through lint, test, and build
gates, and commits what passes. File leases keep concurrent workers
out of each other's way, and anything the pipeline cannot settle on
its own is parked for human review.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/autobuild/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("session-dir", "", "directory for session state (default .autobuild)")
	_ = viper.BindPFlag("paths.data_dir", rootCmd.PersistentFlags().Lookup("session-dir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/autobuild")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUTOBUILD")
	// Replace dots with underscores for nested keys in env vars
	// e.g., AUTOBUILD_SESSION_MAX_RETRIES for session.max_retries
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
