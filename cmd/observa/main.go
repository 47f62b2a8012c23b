package main

import (
	"os"

	"github.com/mvaldesr/observa/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
