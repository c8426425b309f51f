// Package main is the entry point for the mail dispatcher CLI.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shineum/mail-dispatch/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "mail-dispatch",
	Short: "Render events into emails and deliver them over one SMTP session",
	Long: `mail-dispatch renders a batch of events into emails and sends one
message per event and recipient over a single authenticated TLS session.

Configuration is read from an optional YAML file and overridden by
environment variables. A .env file in the working directory is loaded first.

Examples:
  # Send a batch
  mail-dispatch send --config config.yaml --events events.json

  # Print the messages instead of sending them
  mail-dispatch send --config config.yaml --events events.yaml --dry-run`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is fine.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output to w and the
// specified log level.
func setupLogger(level string, w io.Writer) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
