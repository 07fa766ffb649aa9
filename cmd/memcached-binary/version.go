package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pior/memcache-binary/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "memcached-binary %s (build %s, %s)\n", info.Version, info.Build, info.BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "%s, %s\n", info.GoVersion, info.Platform)
	},
}
