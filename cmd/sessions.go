package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adalundhe/liveshare/core/merge"
	"github.com/adalundhe/liveshare/core/storage"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions recorded in the local database",
	RunE:  runSessions,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the conflict-resolution history",
	Long: `Show how out-of-band disk edits were merged in past sessions:
which files conflicted, which merge strategy handled them, and
whether manual intervention was needed. History older than a week is
pruned on every run.`,
	RunE: runConflicts,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func openStore() (*storage.Store, error) {
	_, dirs, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return storage.Open(dirs.DatabasePath())
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no recorded sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tHOST\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.HostID, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runConflicts(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.PruneResolutions(merge.HistoryRetention); err != nil {
		return err
	}

	records, err := store.ListResolutions()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no recorded conflict resolutions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tMETHOD\tRESOLVED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%t\n", r.Timestamp.Format("2006-01-02 15:04:05"), r.Method, r.OK)
	}
	return w.Flush()
}
