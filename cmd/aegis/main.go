package main

import (
	"os"

	"github.com/tkingovr/aegis/cmd/aegis/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
