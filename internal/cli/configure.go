package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/observability"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up parley.
The wizard asks for the provider, its API key, the models to use and the log level,
then writes the config file.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	base, err := loader.Load()
	if err != nil {
		// start over from defaults when the current file is unreadable
		fmt.Fprintf(cmd.ErrOrStderr(), "Ignoring current configuration: %v\n", err)
		base = config.DefaultConfig()
	}

	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	auditConfigSaved(cmd, cfg, loader.GetConfigPath())

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(cmd.OutOrStdout(), "\nYou can now start a conversation with: parley chat")

	return nil
}

// auditConfigSaved notes the new provider and models in the audit log. Keys are never recorded.
func auditConfigSaved(cmd *cobra.Command, cfg *config.Config, path string) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		return
	}
	observability.RecordConfigAudit(cmd.Context(), "config_saved", map[string]interface{}{
		"path":     path,
		"provider": cfg.Model.Provider,
		"model":    cfg.Model.Active,
		"fallback": cfg.Model.Fallback,
	})
	_ = observability.GetAuditLogger().Close()
}
