package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facehash/internal/digest"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// No configuration needed to print a version
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("facehash %s (%s, pbkdf2-sha256 x%d)\n", Version, runtime.Version(), digest.Iterations)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
