package main

import (
	"os"

	"github.com/xhd2015/debug-bridge-mcp/cmd/debug-bridge/cmd"
)

// install: go install ./cmd/debug-bridge
func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
