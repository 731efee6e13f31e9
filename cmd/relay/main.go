// Package main is the entry point for the relay server and terminal client.
package main

import (
	"fmt"
	"os"

	"github.com/inercia/relay/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
