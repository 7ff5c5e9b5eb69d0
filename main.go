package main

import (
	"fmt"
	"os"

	"kennel/cmd"

	_ "kennel/backend/container"
	_ "kennel/backend/local"
	_ "kennel/backend/remote"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
