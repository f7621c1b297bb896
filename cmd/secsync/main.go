package main

import (
	"fmt"
	"os"

	"github.com/roach88/secsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "secsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
