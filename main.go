// The main package for the rss-dispatch executable.
package main

import (
	"github.com/JakeFAU/rss-dispatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
