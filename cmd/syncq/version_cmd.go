package main

import (
	"fmt"
	"io"

	"github.com/openmined/syncq/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print syncq version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(cmd, version.Info(), func(w io.Writer) {
				fmt.Fprintln(w, version.DetailedWithApp())
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}
