// Package main is the entry point for the Lockbox CLI.
package main

import (
	"os"

	"github.com/lockboxkit/lockbox/cmd/lockbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
