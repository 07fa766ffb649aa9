package main

import (
	"github.com/spf13/cobra"

	"github.com/pior/memcache-binary/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:           "memcached-binary",
	Short:         "Memcached binary protocol server and client",
	Version:       meta.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.AddCommand(ServeCmd, VersionCmd, ManPagesCmd)
	for _, cmd := range clientCommands() {
		RootCmd.AddCommand(cmd)
	}
}
