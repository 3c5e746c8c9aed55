package main

import (
	"github.com/robotalks/devlink.go/pkg/cli/sh"

	_ "github.com/robotalks/devlink.go/pkg/cli/cmds/all"
)

//go-build: CGO_ENABLED=0

func init() {
	sh.SetupFlags()
}

func main() {
	sh.Main()
}
