package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/version"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print Xynoxa version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.AppName, version.Detailed())
			return err
		},
	}
}
