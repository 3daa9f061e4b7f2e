package cli

import (
	"context"
	"fmt"

	"github.com/harun/parley/internal/config"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X github.com/harun/parley/internal/cli.version=..."
var version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley - a terminal agent for Gemini, Anthropic and OpenAI models",
	Long: `parley is a conversational agent for the terminal. It talks to Gemini, Anthropic
or OpenAI-compatible models through one chat session, runs tools on your behalf
after asking for confirmation, and keeps transcripts you can resume.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: checkGlobalFlags,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.parley/parley.json)")
	flags.StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
}

// Execute runs the command line with ctx as the parent of every command context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func checkGlobalFlags(cmd *cobra.Command, args []string) error {
	if logLevel == "" {
		return nil
	}
	if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	return nil
}
