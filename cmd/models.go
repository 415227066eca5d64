package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facehash/internal/utils"
	"github.com/andresmejia3/facehash/internal/worker"
)

var modelsProbe bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Check the configured model files",
	Run: func(cmd *cobra.Command, args []string) {
		missing := printModelsStatus(os.Stdout, modelFiles())
		if missing > 0 {
			utils.Die("Model files missing", fmt.Errorf("%d of 3 models not found in %s", missing, Cfg.Models.Dir), nil)
		}
		if modelsProbe {
			set := startAccelerator()
			set.Close()
			fmt.Println("✅ All runtimes loaded their models.")
		}
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsProbe, "probe", false, "Also start each runtime and wait for it to load its model")
	rootCmd.AddCommand(modelsCmd)
}

// printModelsStatus writes one row per model and returns how many are missing.
func printModelsStatus(out io.Writer, files worker.ModelFiles) int {
	fmt.Fprintf(out, "Models directory: %s\n\n", files.Dir)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KIND\tFILE\tSTATUS\tSIZE\tFINGERPRINT")
	fmt.Fprintln(w, "----\t----\t------\t----\t-----------")

	missing := 0
	for _, kind := range []worker.Kind{worker.KindDetect, worker.KindLandmark, worker.KindEmbed} {
		path := files.Path(kind)
		info, err := os.Stat(path)
		if err != nil {
			missing++
			fmt.Fprintf(w, "%s\t%s\tMISSING\t-\t-\n", kind, path)
			continue
		}
		fp, err := utils.ModelFingerprint(path)
		if err != nil {
			fp = "?"
		} else {
			fp = fp[:12]
		}
		fmt.Fprintf(w, "%s\t%s\tOK\t%d\t%s\n", kind, path, info.Size(), fp)
	}
	w.Flush()
	return missing
}
