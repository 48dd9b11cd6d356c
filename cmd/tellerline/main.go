// Package main is the entry point for the tellerline CLI.
package main

import (
	"os"

	"github.com/scalytics/tellerline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
