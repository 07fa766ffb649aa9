//go:build !linux

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	return errors.New("serve requires linux (epoll)")
}
