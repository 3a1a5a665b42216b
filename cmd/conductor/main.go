// Command conductor runs and operates conductor worlds with the built-in
// actions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/conductor/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand(cli.Builtins())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
