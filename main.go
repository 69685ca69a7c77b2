// The main package for the specscraper executable.
package main

import (
	"github.com/JakeFAU/specscraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
