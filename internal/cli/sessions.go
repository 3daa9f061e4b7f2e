package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/parley/pkg/session"
	"github.com/spf13/cobra"
)

var pruneDryRun bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved conversations",
	Long:  `List, delete and prune the conversation transcripts stored under data_dir/sessions.`,
	RunE:  runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete saved sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions older than session.cleanup_days",
	Args:  cobra.NoArgs,
	RunE:  runSessionsPrune,
}

func init() {
	sessionsPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "only list what would be deleted")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	rt, err := openStore()
	if err != nil {
		return err
	}
	defer rt.Close()

	infos, err := rt.store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No saved sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIZE\tLAST ACTIVE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s ago\n", info.ID, formatSize(info.Size), formatDuration(time.Since(info.LastModified)))
	}
	return w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	rt, err := openStore()
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, id := range args {
		if err := sessionExists(rt.store, id); err != nil {
			return err
		}
		if err := rt.store.Delete(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	rt, err := openStore()
	if err != nil {
		return err
	}
	defer rt.Close()

	age := session.DefaultCleanupAge
	if days := rt.cfg.Session.CleanupDays; days > 0 {
		age = time.Duration(days) * 24 * time.Hour
	}
	cleanup := session.NewCleanup(rt.store, age)
	out := cmd.OutOrStdout()

	if pruneDryRun {
		eligible, err := cleanup.Eligible()
		if err != nil {
			return err
		}
		for _, info := range eligible {
			fmt.Fprintf(out, "Would delete %s (last active %s ago)\n", info.ID, formatDuration(time.Since(info.LastModified)))
		}
		fmt.Fprintf(out, "%d session(s) older than %s\n", len(eligible), formatDuration(age))
		return nil
	}

	result, err := cleanup.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d of %d session(s)\n", len(result.Deleted), result.Scanned)
	return nil
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd%dh", days, h)
	}
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
