package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("extended", false, "Include dependency versions")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	name := "simrunner"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}

	_, _ = fmt.Fprintf(out, "%s %s\n", name, versionInfo.Version)

	extended, _ := cmd.Flags().GetBool("extended")
	if !extended {
		return nil
	}
	v := crucible.GetVersion()
	_, _ = fmt.Fprintf(out, "Commit:     %s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(out, "Built:      %s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(out, "Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(out, "Gofulmen:   %s\n", v.Gofulmen)
	_, _ = fmt.Fprintf(out, "Crucible:   %s\n", v.Crucible)
	return nil
}
