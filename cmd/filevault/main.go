// Command filevault is the command-line client for a local vault.
package main

import (
	"os"

	"github.com/kilupskalvis/filevault/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
