package main

import (
	"os"

	cmd "github.com/anusornc/provchain-org2-sub001/cmd/provchain/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
