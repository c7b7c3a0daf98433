// Command schedarray is the single-host job scheduler CLI: submit shell
// commands to a SQLite-backed queue and run them through a worker pool.
package main

import (
	"os"

	"github.com/mxflask/schedarray/cmd/schedarray/commands"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(commands.Run(version))
}
