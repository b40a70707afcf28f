package main

import (
	"os"

	"github.com/eliseemond/elastix/cmd/gpuimage/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
