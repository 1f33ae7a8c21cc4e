// The main package for the markdown-crawler executable.
package main

import (
	"github.com/JakeFAU/markdown-crawler/cmd"
)

func main() {
	cmd.Execute()
}
