package main

import (
	"os"

	"github.com/autobuildhq/autobuild/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
