package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pokt-network/poktroll/pkg/polylog"
	"github.com/spf13/cobra"

	"github.com/buildwithgrove/shardline/client"
	"github.com/buildwithgrove/shardline/config"
)

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shardline-cli",
	Short: color.GreenString("🌿 shardline CLI - sharded ledger client"),
	Long: color.BlueString(`shardline CLI reads the blocks and transactions of a sharded ledger
through a pool of data service endpoints, and submits messages to it.

Every command reads the endpoints and client settings from the config file.`),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/.config.yaml", "path to the client config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level of the config file")

	rootCmd.AddCommand(endpointsCmd)
	rootCmd.AddCommand(iterateCmd)
	rootCmd.AddCommand(submitCmd)
}

// loadClient reads the config file and connects a client.
// Logs go to stderr: stdout only carries command output.
func loadClient() (*client.Client, polylog.Logger, error) {
	cfg, err := config.LoadClientConfigFromYAML(configPath)
	if err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		override := cfg.Logger
		override.Level = logLevel
		if err := override.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	logger := cfg.Logger.NewLogger(os.Stderr, logLevel)

	c, err := client.New(logger, cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, logger, nil
}
