// Package main is the entry point for hexaq, the operator CLI for the
// workspace job queue and run engine.
package main

import (
	"os"

	"github.com/BLSQ/openhexa-app-sub000/cmd/hexaq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
