// Command loom is the module-root entry point; it delegates to
// internal/cli, the same driver cmd/loom uses.
package main

import (
	"os"

	"github.com/loomlang/loom/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
