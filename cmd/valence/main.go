package main

import (
	"os"

	"github.com/lazypower/valence/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
