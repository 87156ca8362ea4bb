package main

import (
	"os"

	"github.com/floe-run/floe/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
