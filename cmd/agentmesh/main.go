// Package main is the agentmesh binary entry point. All functionality
// lives in the commands package; this file only adds panic recovery
// around cobra dispatch.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/c360studio/agentmesh/commands"
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

	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
