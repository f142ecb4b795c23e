package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with
// -ldflags "-X github.com/nfrund/chatsync/cmd/chatsync/cmd.version=...".
var version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal client for the chat service",
	Long: `chatsync is a headless chat client. It keeps a real-time session with the
chat server, mirrors presence, typing and messages locally, and persists the
signed-in identity between runs.

Available commands:
  login     Sign in and store the session token
  logout    Sign out and forget the session token
  whoami    Show the signed-in user
  chat      Open a direct or group conversation
  theme     Show or change the theme preference
  topics    List the client event topics

Use "chatsync [command] --help" for more information about a specific command.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate("chatsync v{{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (defaults to $CHATSYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
}
