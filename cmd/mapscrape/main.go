// Package main is the entry point for the mapscrape CLI.
package main

import (
	"os"

	"github.com/jmylchreest/mapscrape/cmd/mapscrape/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
