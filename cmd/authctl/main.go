package main

import (
	"os"

	"github.com/valinor-ai/authguard/cmd/authctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
