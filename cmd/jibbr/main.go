// Command jibbr serves documents written as suspendable Go scripts.
package main

import (
	"fmt"
	"os"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
