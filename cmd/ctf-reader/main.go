package main

import (
	"fmt"
	"os"

	"github.com/drblury/ctfreader/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ctf-reader:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
