// Command gradsim serves, drives and inspects proximity-graph gradient
// simulations.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/gradsim/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
