package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"lanchat/config"
	"lanchat/logging"
)

var (
	dataDirFlag   string
	logLevelFlag  string
	logFormatFlag string
)

var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "Serverless chat for the local network",
	Long: `lanchat - serverless chat for the local network

Peers find each other with mDNS, track each other's liveness and exchange
text messages over WebSocket connections. No server or account is needed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default: OS config dir, or $"+config.DataDirEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (default from settings)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "log format: text or json (default from settings)")
}

// environment is everything a command needs before it touches the network.
type environment struct {
	dataDir  string
	settings config.Settings
	logger   *slog.Logger
}

func loadEnvironment() (environment, error) {
	dataDir := dataDirFlag
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return environment{}, fmt.Errorf("resolve data directory: %w", err)
		}
		dataDir = resolved
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return environment{}, err
	}

	settings, settingsErr := config.LoadSettings(config.SettingsPath(dataDir))

	level := settings.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	format := settings.Logging.Format
	if logFormatFlag != "" {
		format = logFormatFlag
	}
	logger, err := logging.New(os.Stderr, level, format)
	if err != nil {
		return environment{}, err
	}
	if settingsErr != nil {
		logger.Warn("using default settings", "path", config.SettingsPath(dataDir), "error", settingsErr)
	}

	return environment{dataDir: dataDir, settings: settings, logger: logger}, nil
}
