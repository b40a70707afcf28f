package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "gpuimage v%s\n", version)
		fmt.Fprintln(out, "Coherent host/device image buffers")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "CUDA available: %t\n", cudaAvailable())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
