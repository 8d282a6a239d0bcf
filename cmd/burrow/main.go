package main

import (
	"os"

	"github.com/burrownet/burrow/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
