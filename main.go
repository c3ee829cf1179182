package main

import (
	"os"

	"github.com/adalundhe/liveshare/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
