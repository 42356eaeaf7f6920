package main

import (
	"fmt"
	"os"

	"github.com/annalhq/annal/internal/cli"
)

var version = "dev" // set via ldflags at build time

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "annal:", err)
		os.Exit(1)
	}
}
