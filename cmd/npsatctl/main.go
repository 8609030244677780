package main

import (
	"os"

	"github.com/manthysbr/npsat-dispatch/cmd/npsatctl/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
