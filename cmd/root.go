// Package cmd is the mozi CLI surface.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/config"
)

// Version is set at build time via
// -ldflags "-X github.com/moziai/mozi/cmd.Version=v1.0.0".
var Version = "dev"

// Exit codes: 0 success, 1 failure, 2 config conflict.
const (
	exitOK       = 0
	exitFailure  = 1
	exitConflict = 2
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "mozi",
	Short:        "Mozi — runtime host for channel-connected agents",
	Long:         "Mozi runs the agent runtime host: channel adapters (Telegram, Discord, local desktop), per-session dispatch, heartbeat and reminders, and the configuration store.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.mozi/config.jsonc or $MOZI_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runtimeCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mozi %s\n", Version)
		},
	}
}

// Execute runs the CLI and exits with the mapped code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, config.ErrConflict) {
			os.Exit(exitConflict)
		}
		os.Exit(exitFailure)
	}
	os.Exit(exitOK)
}

func configPath() string {
	return config.ResolvePath(cfgFile)
}

// newLogger builds the process logger honoring -v and the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
