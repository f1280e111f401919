// Package main is the entry point for the termfleet API.
package main

import (
	"os"

	"github.com/melih/termfleet/cmd/api/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
