package main

import (
	"fmt"
	"os"

	"github.com/inSight-mk1/DWAD/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
