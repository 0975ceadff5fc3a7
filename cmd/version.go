package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aipipe/gateway/internal/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("gateway"))
		},
	})
}
