package framework

import (
	"context"
)

// Named is implemented by components which report a name in logs.
type Named interface {
	Name() string
}

// Runnable is a background task started with the loop, e.g. a server
// which owns its goroutine.
type Runnable interface {
	Run(context.Context) error
}

// Message is anything posted to the loop and consumed by controllers
// during an iteration. Controllers type-switch on the concrete value.
type Message interface{}

// Controller is invoked once per iteration at the priority level it
// was added to.
type Controller interface {
	Control(ControlContext) error
}

// ControlFunc adapts a func to Controller.
type ControlFunc func(ControlContext) error

// Control implements Controller.
func (f ControlFunc) Control(cc ControlContext) error {
	return f(cc)
}

// TimeSource provides the device time for controlling logic.
type TimeSource interface {
	// Millis is the device clock in milliseconds since boot,
	// sampled once when the iteration starts.
	Millis() uint64
}

// ControlContext is what a Controller sees of the iteration running it.
type ControlContext interface {
	TimeSource
	LoopControl

	Context() context.Context
	// PriorityLevel is the level being run.
	PriorityLevel() int
	// Messages holds whatever was posted before the iteration started,
	// plus what earlier controllers added.
	Messages() MessageStore
	// PostRun schedules one-shot hooks after the controllers of the
	// current level. Hooks scheduled from a hook run next iteration.
	PostRun(hooks ...Controller)
}

// PriorityLevels is the total levels of priorities. Lower levels run
// first in every iteration.
const PriorityLevels int = 16

// Priority levels used by device components.
const (
	// PrLvPoll drains transports and radios into loop messages.
	PrLvPoll int = 4
	// PrLvTimers advances the provisioning state machine and its deadlines.
	PrLvTimers int = 8
	// PrLvDispatch routes envelopes to handlers and flushes replies.
	PrLvDispatch int = 12
)

// LoopControl is the part of the loop reachable from controllers and
// from Runnables started by it.
type LoopControl interface {
	PreRunAt(priorityLevel int, hooks ...Controller)
	PostRunAt(priorityLevel int, hooks ...Controller)
	// PostMessage queues msg for the next iteration. Any goroutine may call it.
	PostMessage(Message)
	// TriggerNext runs the next iteration without waiting for the tick.
	TriggerNext()
}

// MessageAppender adds messages visible to later controllers of the
// same iteration.
type MessageAppender interface {
	AddMessages(msgs ...Message)
}

// MessageStore holds the messages of one iteration.
type MessageStore interface {
	MessageAppender

	// ProcessMessages hands every message to proc in order. Messages
	// not taken stay for the next processor.
	ProcessMessages(proc MessageProcessor)
}

// MessageProcessor examines one message at a time.
type MessageProcessor interface {
	ProcessMessage(MessageProcessingContext)
}

// ProcessMessageFunc adapts a func to MessageProcessor.
type ProcessMessageFunc func(MessageProcessingContext)

// ProcessMessage implements MessageProcessor.
func (f ProcessMessageFunc) ProcessMessage(mc MessageProcessingContext) {
	f(mc)
}

// MessageProcessingContext is the cursor given to a MessageProcessor.
type MessageProcessingContext interface {
	MessageAppender

	CurrentMessage() Message
	// MessageTaken removes the current message from the store.
	MessageTaken()
	// StopProcessing skips the remaining messages, which stay in the store.
	StopProcessing()
}
