// leanserve is a CLI for driving supervised Lean REPL subprocesses.
package main

import (
	"os"

	"github.com/leanserve/leanserve/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
