package main

import (
	"os"

	"github.com/go-delve/machtask/cmd/machctl/cmds"
	"github.com/go-delve/machtask/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.MachtaskVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
