package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facehash/internal/utils"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset persisted state (event journal, snapshot frames)",
	Long: `Clears all data. By default, it resets everything. Use flags to clear specific components.
Enrolled identities are never persisted, so there is nothing else to clear.`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all journal tables?") {
				fmt.Println("🗑️  Clearing Journal...")
				resetJournal(cmd.Context())
			}
		}

		if resetFiles && Cfg.Snapshots.Dir != "" {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", Cfg.Snapshots.Dir)) {
				fmt.Println("🗑️  Clearing Snapshot Frames...")
				removeDir(Cfg.Snapshots.Dir)
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the event journal tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete snapshot frames")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func resetJournal(ctx context.Context) {
	db, err := openJournal(ctx, true)
	if err != nil {
		utils.Die("Journal unavailable", err, nil)
	}
	defer db.Close(context.Background())
	if err := db.Reset(ctx); err != nil {
		utils.Die("Failed to reset journal", err, nil)
	}
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
