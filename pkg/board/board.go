// Package board hosts the game board collaborators reached through the
// dispatcher: game state tracking, move confirmation and actuator output.
package board

import (
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/devlink.go/pkg/protocol"
)

// Feedback patterns played when a move is confirmed.
const (
	PatternMove          = "move"
	PatternMoveHighlight = "move_highlight"
	MoveAccepted         = "MOVE_ACCEPTED"
)

// GameState is the last state announced by the controller.
type GameState struct {
	FEN           string `json:"fen"`
	CurrentPlayer string `json:"currentPlayer"`
	IsCheck       bool   `json:"isCheck"`
	IsCheckmate   bool   `json:"isCheckmate"`
	IsStalemate   bool   `json:"isStalemate"`
	LastMove      string `json:"lastMove,omitempty"`
}

// Move is the payload of MOVE_DETECTED.
type Move struct {
	ID         string `json:"id,omitempty"`
	FromSquare string `json:"fromSquare"`
	ToSquare   string `json:"toSquare"`
	PieceType  string `json:"pieceType,omitempty"`
}

// MoveConfirm is the payload of MOVE_CONFIRM.
type MoveConfirm struct {
	MoveID       string `json:"moveId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

// LEDCommand is the payload of LED_CONTROL.
type LEDCommand struct {
	Pattern   string   `json:"pattern"`
	Squares   []string `json:"squares,omitempty"`
	Color     string   `json:"color,omitempty"`
	Duration  int      `json:"duration"`
	Intensity int      `json:"intensity"`
}

// HapticCommand is the payload of HAPTIC_FEEDBACK.
type HapticCommand struct {
	Pattern   string `json:"pattern"`
	Duration  int    `json:"duration"`
	Intensity int    `json:"intensity"`
}

// Actuator drives the board outputs. Calls happen on the loop and must
// not block.
type Actuator interface {
	LED(LEDCommand) error
	Haptic(HapticCommand) error
}

// LogActuator only logs commands, for hosts without outputs.
type LogActuator struct{}

// LED implements Actuator.
func (LogActuator) LED(cmd LEDCommand) error {
	glog.Infof("board: LED %s %s %v %dms", cmd.Pattern, cmd.Color, cmd.Squares, cmd.Duration)
	return nil
}

// Haptic implements Actuator.
func (LogActuator) Haptic(cmd HapticCommand) error {
	glog.Infof("board: haptic %s %dms at %d%%", cmd.Pattern, cmd.Duration, cmd.Intensity)
	return nil
}

// Board handles the game messages.
type Board struct {
	Actuator Actuator

	state GameState
	lock  sync.RWMutex
}

// New creates a Board driving actuator.
func New(actuator Actuator) *Board {
	if actuator == nil {
		actuator = LogActuator{}
	}
	return &Board{Actuator: actuator}
}

// GameState returns the last known game state.
func (b *Board) GameState() GameState {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.state
}

// Register installs the handlers.
func (b *Board) Register(d *protocol.Dispatcher) {
	d.HandleFunc(protocol.TypeGameState, b.handleGameState)
	d.HandleFunc(protocol.TypeMoveDetected, b.handleMove)
	d.HandleFunc(protocol.TypeLEDControl, b.handleLED)
	d.HandleFunc(protocol.TypeHapticFeedback, b.handleHaptic)
}

func (b *Board) handleGameState(req *protocol.Request) error {
	var st GameState
	if err := req.Data.Decode(&st); err != nil {
		return err
	}
	b.lock.Lock()
	if st.LastMove == "" {
		st.LastMove = b.state.LastMove
	}
	b.state = st
	b.lock.Unlock()
	glog.Infof("board: game state %s, %s to move", st.FEN, st.CurrentPlayer)
	return nil
}

func (b *Board) handleMove(req *protocol.Request) error {
	var mv Move
	if err := req.Data.Decode(&mv); err != nil {
		return err
	}
	if mv.FromSquare == "" || mv.ToSquare == "" {
		return &protocol.Error{Code: protocol.CodeInvalidMessage, Message: "Move without squares"}
	}
	if mv.ID == "" {
		mv.ID = req.ID
	}
	glog.Infof("board: move %s %s-%s", mv.ID, mv.FromSquare, mv.ToSquare)
	b.lock.Lock()
	b.state.LastMove = mv.FromSquare + mv.ToSquare
	b.lock.Unlock()

	if err := req.Send(protocol.TypeMoveConfirm, &MoveConfirm{MoveID: mv.ID, Status: MoveAccepted}); err != nil {
		glog.Warningf("board: move confirm: %v", err)
	}
	b.play(HapticCommand{Pattern: PatternMove, Duration: 100, Intensity: 50})
	b.light(LEDCommand{
		Pattern:   PatternMoveHighlight,
		Squares:   []string{mv.FromSquare, mv.ToSquare},
		Color:     "blue",
		Duration:  2000,
		Intensity: 100,
	})
	return nil
}

func (b *Board) handleLED(req *protocol.Request) error {
	var cmd LEDCommand
	if err := req.Data.Decode(&cmd); err != nil {
		return err
	}
	return b.Actuator.LED(cmd)
}

func (b *Board) handleHaptic(req *protocol.Request) error {
	var cmd HapticCommand
	if err := req.Data.Decode(&cmd); err != nil {
		return err
	}
	return b.Actuator.Haptic(cmd)
}

func (b *Board) play(cmd HapticCommand) {
	if err := b.Actuator.Haptic(cmd); err != nil {
		glog.Warningf("board: haptic: %v", err)
	}
}

func (b *Board) light(cmd LEDCommand) {
	if err := b.Actuator.LED(cmd); err != nil {
		glog.Warningf("board: LED: %v", err)
	}
}
