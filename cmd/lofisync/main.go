// Command lofisync runs the sync server and replica tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lofisync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
