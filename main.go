package main

import (
	"fmt"
	"os"

	"github.com/Martian-dev/inbox-sync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mailsync:", err)
		os.Exit(1)
	}
}
