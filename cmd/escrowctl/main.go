// Command escrowctl derives escrow identifiers, replays YAML scenarios
// against an in-process ledger and reads a running escrowd.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(GetExitCode(err))
	}
}
