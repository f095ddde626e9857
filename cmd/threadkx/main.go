package main

import (
	"os"

	"threadkx/cmd/threadkx/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
