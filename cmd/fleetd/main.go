package main

import (
	"os"

	"github.com/syntor/fleetcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
