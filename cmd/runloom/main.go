package main

import (
	"os"

	"github.com/runloom/runloom/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
