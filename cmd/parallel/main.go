package main

import (
	"os"

	"github.com/opd-ai/parallel/cmd/parallel/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
