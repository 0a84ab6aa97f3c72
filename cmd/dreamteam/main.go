package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/logging"
)

var (
	configPath  string
	logLevelArg string
)

var rootCmd = &cobra.Command{
	Use:           "dreamteam",
	Short:         "Run YAML-defined multi-agent workflows",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.dreamteam/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "", "override log_level: debug, info, warn, error")
	rootCmd.AddCommand(validateCmd, graphCmd, runCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger. Logs go to stderr so stdout
// stays free for command output and the MCP stdio transport.
func setup(cmd *cobra.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevelArg != "" {
		cfg.LogLevel = logLevelArg
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
