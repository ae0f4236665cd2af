package main

import (
	"os"

	"github.com/telhawk-systems/filegate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
