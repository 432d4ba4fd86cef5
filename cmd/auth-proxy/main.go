package main

import (
	"os"

	"github.com/Open-Paws/privatemode-proxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
