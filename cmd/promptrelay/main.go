package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "promptrelay"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Relay agent permission prompts to phones and browsers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newCACmd(),
		newVersionCmd(version),
	)
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
		},
	}
}
