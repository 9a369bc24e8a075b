// Command maggma is the CLI entry point: it executes the cobra command
// tree in cli/ and turns a fatal error into a nonzero process exit status
// (spec.md §6), mirroring the teacher's root main.go.
package main

import (
	"fmt"
	"os"

	"maggma.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
