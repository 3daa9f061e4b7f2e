package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/parley/internal/config"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resolved configuration",
	Long:  `Show the provider, models and paths parley would use, and report configuration problems.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	key := "missing"
	if cfg.APIKey() != "" {
		key = "configured"
	}
	fallback := cfg.Model.Fallback
	if fallback == "" {
		fallback = "none"
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Config:\t%s\n", config.NewLoader(cfgFile).GetConfigPath())
	fmt.Fprintf(w, "Provider:\t%s (API key %s)\n", cfg.Model.Provider, key)
	fmt.Fprintf(w, "Model:\t%s\n", cfg.Model.Active)
	fmt.Fprintf(w, "Fallback:\t%s (auth mode %s)\n", fallback, cfg.AuthMode)
	fmt.Fprintf(w, "Data dir:\t%s\n", cfg.DataDir)
	fmt.Fprintf(w, "Log file:\t%s\n", cfg.Logging.File)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "Metrics:\t%s/metrics\n", cfg.MetricsAddr)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	problems := config.NewValidator().ValidateConfig(cfg)
	if len(problems) == 0 {
		fmt.Fprintln(out, "\nStatus: ready")
		return nil
	}
	fmt.Fprintln(out, "\nStatus: not ready")
	for _, p := range problems {
		fmt.Fprintf(out, "  - %v\n", p)
	}
	return nil
}
