// Package all registers every shell command provider.
package all

import (
	_ "github.com/robotalks/devlink.go/pkg/cli/cmds/board"
	_ "github.com/robotalks/devlink.go/pkg/cli/cmds/provision"
)
