package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebas/dialout/internal/config"
	"github.com/sebas/dialout/internal/logger"
)

var version = "dev"

var (
	cfg     = config.Default()
	logFile io.Closer
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dialout",
	Short: "Outbound voice agent worker",
	Long: `dialout places outbound phone calls over a SIP trunk and bridges each
answered callee to a realtime voice agent.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logFile != nil {
			_ = logFile.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	cfg.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(workerCmd, dialCmd, versionCmd)
}

// setup resolves the configuration and installs the global logger.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd == versionCmd {
		return nil
	}
	if err := cfg.Resolve(os.Getenv); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if cfg.LogFile != "" {
		// The file always gets debug; --loglevel applies to the console.
		f := logger.NewRotatingFile(logger.RotatingFileConfig{Path: cfg.LogFile, Compress: true})
		logFile = f
		logger.InitLoggerWithLevels(map[io.Writer]slog.Level{
			logger.NewJSONParsingWriter(os.Stdout): logger.ParseLevel(cfg.LogLevel),
			logger.NewJSONParsingWriter(f):         slog.LevelDebug,
		})
		logger.SetLevel("debug")
	} else {
		logger.InitLogger(os.Stdout)
		logger.SetLevel(cfg.LogLevel)
	}

	slog.Debug("Configuration resolved",
		"trunks", len(cfg.Trunks),
		"default_trunk", cfg.OutboundTrunkID,
		"advertise", cfg.AdvertiseAddr,
	)
	return nil
}
