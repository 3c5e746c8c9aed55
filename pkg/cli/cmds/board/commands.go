package board

import (
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/devlink.go/pkg/board"
	"github.com/robotalks/devlink.go/pkg/cli/sh"
	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/protocol"
)

// notify sends a message the device does not answer on success.
func notify(c *ishell.Context, msgType string, data interface{}) {
	s := sh.ShellFrom(c)
	if _, err := s.Session.Request(msgType, data); err != nil {
		c.Err(err)
		return
	}
	c.Println("OK")
}

var (
	// GameCmd announces the game state.
	GameCmd = ishell.Cmd{
		Name:    "game",
		Aliases: []string{"g"},
		Help:    "FEN PLAYER",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("FEN and PLAYER required"))
				return
			}
			notify(c, protocol.TypeGameState, &board.GameState{FEN: c.Args[0], CurrentPlayer: c.Args[1]})
		}),
	}

	// MoveCmd reports a move as if detected on the board.
	MoveCmd = ishell.Cmd{
		Name:    "move",
		Aliases: []string{"m"},
		Help:    "FROM TO [PIECE]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("FROM and TO required"))
				return
			}
			mv := board.Move{FromSquare: c.Args[0], ToSquare: c.Args[1]}
			if len(c.Args) > 2 {
				mv.PieceType = c.Args[2]
			}
			env, err := sh.Roundtrip(c, protocol.TypeMoveDetected, &mv, func(env *envelope.Envelope) bool {
				return env.Type == protocol.TypeMoveConfirm
			})
			if err == nil {
				sh.ShellFrom(c).Print(c, env)
			}
		}),
	}

	// LEDCmd drives the board LEDs.
	LEDCmd = ishell.Cmd{
		Name: "led",
		Help: "PATTERN [SQUARE...]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("PATTERN required"))
				return
			}
			notify(c, protocol.TypeLEDControl, &board.LEDCommand{
				Pattern:   c.Args[0],
				Squares:   c.Args[1:],
				Duration:  2000,
				Intensity: 100,
			})
		}),
	}

	// HapticCmd plays a haptic pattern.
	HapticCmd = ishell.Cmd{
		Name: "haptic",
		Help: "PATTERN [DURATION(ms)]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("PATTERN required"))
				return
			}
			cmd := board.HapticCommand{Pattern: c.Args[0], Duration: 100, Intensity: 50}
			if len(c.Args) > 1 {
				val, err := strconv.Atoi(c.Args[1])
				if err != nil {
					c.Err(fmt.Errorf("Invalid DURATION: %v", err))
					return
				}
				cmd.Duration = val
			}
			notify(c, protocol.TypeHapticFeedback, &cmd)
		}),
	}
)

func init() {
	sh.AddCmds(
		&GameCmd,
		&MoveCmd,
		&LEDCmd,
		&HapticCmd,
	)
}
