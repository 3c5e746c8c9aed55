package main

//go-build: CGO_ENABLED=0

import (
	"flag"

	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/env/device"
)

func init() {
	device.SetupFlags()
}

func main() {
	flag.Parse()

	env := device.NewConfig().MustNewEnv()
	defer env.Close()
	fx.NewLoop().Add(env).RunOrFail()
}
