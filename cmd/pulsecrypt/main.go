package main

import (
	"os"

	"pulsecrypt/cmd/pulsecrypt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
