// mediabridge browses media libraries through isolated parser workers.
// The same binary runs the host commands and, via the hidden worker
// command, the worker processes the host launches.
package main

import (
	"fmt"
	"os"

	"github.com/corey/mediabridge/cmd/mediabridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cmd.ExitCode(err))
	}
}
