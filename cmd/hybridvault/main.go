package main

import (
	"os"

	"github.com/hybridvault/hybridvault/cmd/hybridvault/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
