package commands

import (
	"github.com/spf13/cobra"
)

// RootCmd is the root command for the provchain validator node.
var RootCmd = &cobra.Command{
	Use:              "provchain",
	Short:            "provchain consensus",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		NewVersionCmd(),
	)
}
