package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// rootCmd is the application entry point.
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Capability-mediated automation harness",
	Long: `Warden runs an untrusted planner inside a WebAssembly sandbox and lets it
drive files, processes, and a browser exclusively through narrow,
host-defined capabilities under a static policy.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes: 0 success,
// 1 budget exceeded, 2 structured task failure, 3 host or policy error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			slog.Error("task failed", "error", coded.err)
			return coded.code
		}
		slog.Error("command failed", "error", err)
		return 3
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "policy file (default is ./warden.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// initConfig loads the policy file into viper.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("warden")
	}

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using policy file", "file", viper.ConfigFileUsed())
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
