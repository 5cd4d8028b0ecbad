package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is set at link time with -ldflags "-X github.com/roach88/aura/internal/cli.Version=...".
var Version = "dev"

// VersionResult is the output of the version command.
type VersionResult struct {
	Version  string `json:"version"`
	Go       string `json:"go"`
	Revision string `json:"revision,omitempty"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := VersionResult{Version: Version, Go: runtime.Version(), Revision: vcsRevision()}
			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aura %s (%s)\n", result.Version, result.Go)
			if rootOpts.Verbose && result.Revision != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "revision %s\n", result.Revision)
			}
			return nil
		},
	}
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
