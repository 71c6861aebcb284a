// Command durable runs and inspects the durable operation store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/durable/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
