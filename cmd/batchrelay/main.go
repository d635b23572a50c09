package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/relaylabs/batchrelay/internal/cmd"
)

// Build metadata, injected via -ldflags.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	// Local development convenience; deployed environments set real env vars.
	_ = godotenv.Load()

	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
