// The main package for the imagecrawl executable.
package main

import (
	"github.com/JakeFAU/imagecrawl/cmd"
)

func main() {
	cmd.Execute()
}
