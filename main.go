// The main package for the mirror executable.
package main

import (
	"os"

	"github.com/JakeFAU/bookmark-mirror/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
