package main

import (
	"os"

	"github.com/lazypower/radguard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
