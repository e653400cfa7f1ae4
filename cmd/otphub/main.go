package main

import (
	"os"

	"github.com/wirasto/otphub/cmd/otphub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
