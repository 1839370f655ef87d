package main

import (
	"os"

	"github.com/beaconlabs/beaconq/cmd/beaconq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
