package main

import (
	"os"

	"github.com/TheusHen/keylink/cmd/keylink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
