package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facehash/internal/journal"
	"github.com/andresmejia3/facehash/internal/utils"
)

var (
	eventsSession  string
	eventsLimit    int
	eventsSessions bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List journaled recognition events",
	Run: func(cmd *cobra.Command, args []string) {
		runEvents(cmd.Context())
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "Only show events of this session")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 200, "Maximum number of events")
	eventsCmd.Flags().BoolVar(&eventsSessions, "sessions", false, "List sessions instead of events")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(ctx context.Context) {
	db, err := openJournal(ctx, true)
	if err != nil {
		utils.Die("Journal unavailable", err, nil)
	}
	// Use Background here because the main context might be cancelled already (due to Ctrl+C)
	defer db.Close(context.Background())

	if eventsSessions {
		sessions, err := db.ListSessions(ctx)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}
		printSessions(os.Stdout, sessions)
		return
	}

	events, err := db.ListEvents(ctx, eventsSession, eventsLimit)
	if err != nil {
		utils.Die("Failed to list events", err, nil)
	}
	printEvents(os.Stdout, events)
}

func printSessions(out io.Writer, sessions []journal.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found in database.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSOURCE\tEVENTS\tSTARTED")
	fmt.Fprintln(w, "-------\t------\t------\t-------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Source, s.Events, s.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printEvents(out io.Writer, events []journal.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events found in database.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tFRAME\tCODE\tSCORE\tBOX\tAT")
	fmt.Fprintln(w, "-------\t-----\t----\t-----\t---\t--")
	for _, e := range events {
		short := e.SessionID
		if len(short) > 8 {
			short = short[:8]
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%.1f\t%d,%d %dx%d\t%s\n",
			short, e.Seq, e.Code, e.Score, e.Box.X, e.Box.Y, e.Box.W, e.Box.H, e.At.Local().Format("15:04:05"))
	}
	w.Flush()
}
