package main

import (
	"fmt"
	"os"

	"github.com/roach88/possync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "possync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
