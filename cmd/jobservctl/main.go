// Command jobservctl is a thin admin CLI for signing and sending
// JobServ's privileged calls (trigger, promote, cancel) during local
// development, grounded on the teacher's internal/cli.NewRootCommand
// wiring and cmd/conductor/main.go's flag/version handling.
package main

import (
	"fmt"
	"os"

	"github.com/foundriesio/jobserv/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := cli.NewRootCommand(version, commit)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
