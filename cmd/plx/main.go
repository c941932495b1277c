package main

import (
	"os"

	"github.com/plxctl/plx/cmd/plx/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
