package main

import (
	"fmt"

	"github.com/raskyld/molecule"
	"github.com/raskyld/molecule/pkg/packet"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of molecule",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "molecule version %s (protocol %s)\n", molecule.Version, packet.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
