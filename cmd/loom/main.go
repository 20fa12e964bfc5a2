// Command loom compiles and runs Loom source code, or starts an
// interactive REPL when invoked with no script argument.
package main

import (
	"os"

	"github.com/loomlang/loom/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
