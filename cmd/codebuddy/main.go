package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebuddy/internal/config"
	"github.com/michaelbrown/codebuddy/internal/logging"
)

var (
	configDirFlag string
	logLevelFlag  string
	executorFlag  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "codebuddy",
	Short: "codebuddy - interactive sandboxed code execution",
	Long: `codebuddy runs untrusted Python, JavaScript and Lua programs in a sandbox,
streams their output as it is produced and answers their input() calls
through a live channel to a human operator.

Programs run either in network-less, resource-capped containers or in
restricted in-process interpreters, selected by sandbox.executor.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var dirs []string
		if configDirFlag != "" {
			dirs = append(dirs, configDirFlag)
		}
		c, err := config.Load(dirs...)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevelFlag != "" {
			c.Log.Level = logLevelFlag
		}
		if executorFlag != "" {
			c.Sandbox.Executor = executorFlag
			if err := c.Validate(); err != nil {
				return err
			}
		}
		if err := logging.Setup(c.Log.Level, c.Log.Format); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config-dir", "", "Directory containing codebuddy.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&executorFlag, "executor", "", "Executor: container or inprocess (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
