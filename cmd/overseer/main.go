// Package main provides the overseer binary entry point.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"

	"github.com/oversightlabs/overseer/commands"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Local .env overrides are optional; absence is not an error.
	_ = godotenv.Load()

	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
