package main

import (
	"os"

	"github.com/marcpuig/plugsched/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
