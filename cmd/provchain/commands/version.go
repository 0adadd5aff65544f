package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anusornc/provchain-org2-sub001/src/version"
)

// NewVersionCmd produces a command that prints the version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
