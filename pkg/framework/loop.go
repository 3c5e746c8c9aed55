package framework

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultInterval is the tick period when Loop.Interval is not set.
const DefaultInterval = 20 * time.Millisecond

// Loop is the single cooperative execution thread of the device.
// Each iteration runs controllers level by level, so polling,
// timers and dispatch always happen in that order.
type Loop struct {
	Interval time.Duration
	Clock    Clock

	levels  [PriorityLevels]level
	runners []Runnable

	pending []Message
	lock    sync.Mutex
	wakeUp  chan struct{}
}

// LoopAdder provides specific logic to add components to loop.
type LoopAdder interface {
	AddToLoop(*Loop)
}

// level holds the controllers of one priority level. Hooks are one-shot
// and consumed by the iteration which finds them.
type level struct {
	controllers []Controller
	pre, post   []Controller
	lock        sync.Mutex
}

func (lv *level) takePre() []Controller {
	lv.lock.Lock()
	defer lv.lock.Unlock()
	hooks := lv.pre
	lv.pre = nil
	return hooks
}

func (lv *level) takePost() []Controller {
	lv.lock.Lock()
	defer lv.lock.Unlock()
	hooks := lv.post
	lv.post = nil
	return hooks
}

type loopCtxKeyType struct{}

var loopCtxKey loopCtxKeyType

// LoopCtlFrom gets LoopControl from a context passed to Runnables
// started by the loop, or to controllers.
func LoopCtlFrom(ctx context.Context) LoopControl {
	ctl, _ := ctx.Value(loopCtxKey).(LoopControl)
	return ctl
}

// NewLoop creates a Loop.
func NewLoop() *Loop {
	return &Loop{Interval: DefaultInterval, Clock: NewBootClock()}
}

// WithClock replaces the device clock.
func (l *Loop) WithClock(clock Clock) *Loop {
	l.Clock = clock
	return l
}

// Add adds LoopAdders.
func (l *Loop) Add(adders ...LoopAdder) *Loop {
	for _, adder := range adders {
		adder.AddToLoop(l)
	}
	return l
}

// AddController registers controllers to the loop. Controllers which are
// also Runnable are started in the background by Run.
func (l *Loop) AddController(priorityLevel int, ctls ...Controller) *Loop {
	lv := &l.levels[priorityLevel]
	lv.controllers = append(lv.controllers, ctls...)
	for _, ctl := range ctls {
		if runner, ok := ctl.(Runnable); ok {
			l.runners = append(l.runners, runner)
		}
	}
	return l
}

// AddRunnable adds background Runnables started with the loop.
func (l *Loop) AddRunnable(runnables ...Runnable) *Loop {
	l.runners = append(l.runners, runnables...)
	return l
}

// Run implements Runnable. It steps the loop on every tick and whenever
// TriggerNext is called, until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.init()

	runner := NewRunnerWith(context.WithValue(ctx, loopCtxKey, LoopControl(l)))
	runner.Go(l.runners...)
	defer func() {
		if err := runner.Wait(); err != nil {
			glog.Errorf("loop runners: %v", err)
		}
	}()

	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.wakeUp:
		}
		l.Step(ctx)
	}
}

// Name implements Named.
func (l *Loop) Name() string {
	return "loop"
}

// RunOrFail is intended to be used in main to simply run the loop.
// Where the platform delivers stop signals, the first one stops the loop.
func (l *Loop) RunOrFail() {
	if err := stopOnSignal(NewRunner()).Go(l).Wait(); err != nil {
		log.Fatalln(err)
	}
}

// Step runs exactly one iteration on the calling goroutine.
// Run calls it on every tick; tests call it directly.
func (l *Loop) Step(ctx context.Context) {
	l.init()
	iter := &iteration{Loop: l, millis: l.Clock.Millis()}
	l.lock.Lock()
	iter.messages, l.pending = l.pending, nil
	l.lock.Unlock()
	iter.ctx = context.WithValue(ctx, loopCtxKey, ControlContext(iter))
	for i := range l.levels {
		iter.priorityLevel = i
		lv := &l.levels[i]
		iter.control(lv.takePre())
		iter.control(lv.controllers)
		iter.control(lv.takePost())
	}
	if n := len(iter.messages); n > 0 {
		glog.V(3).Infof("%d messages left unprocessed in iteration", n)
	}
}

func (l *Loop) init() {
	l.lock.Lock()
	if l.wakeUp == nil {
		l.wakeUp = make(chan struct{}, 1)
	}
	if l.Clock == nil {
		l.Clock = NewBootClock()
	}
	l.lock.Unlock()
}

// PreRunAt implements LoopControl.
func (l *Loop) PreRunAt(priorityLevel int, hooks ...Controller) {
	lv := &l.levels[priorityLevel]
	lv.lock.Lock()
	lv.pre = append(lv.pre, hooks...)
	lv.lock.Unlock()
}

// PostRunAt implements LoopControl.
func (l *Loop) PostRunAt(priorityLevel int, hooks ...Controller) {
	lv := &l.levels[priorityLevel]
	lv.lock.Lock()
	lv.post = append(lv.post, hooks...)
	lv.lock.Unlock()
}

// PostMessage implements LoopControl. It is safe to call from any goroutine.
func (l *Loop) PostMessage(msg Message) {
	l.lock.Lock()
	l.pending = append(l.pending, msg)
	l.lock.Unlock()
}

// TriggerNext implements LoopControl.
func (l *Loop) TriggerNext() {
	l.init()
	select {
	case l.wakeUp <- struct{}{}:
	default:
	}
}

// iteration is the ControlContext of one Step.
type iteration struct {
	*Loop
	ctx           context.Context
	millis        uint64
	priorityLevel int
	messages      []Message
}

func (it *iteration) Context() context.Context { return it.ctx }
func (it *iteration) Millis() uint64           { return it.millis }
func (it *iteration) PriorityLevel() int       { return it.priorityLevel }
func (it *iteration) Messages() MessageStore   { return it }

func (it *iteration) PostRun(hooks ...Controller) {
	it.PostRunAt(it.priorityLevel, hooks...)
}

func (it *iteration) control(ctls []Controller) {
	for _, ctl := range ctls {
		if err := ctl.Control(it); err != nil {
			glog.Errorf("controller error at level %d: %v", it.priorityLevel, err)
		}
	}
}

// AddMessages implements MessageAppender.
func (it *iteration) AddMessages(msgs ...Message) {
	it.messages = append(it.messages, msgs...)
}

// ProcessMessages implements MessageStore. Messages added while processing
// are kept for later processors and not visited by proc.
func (it *iteration) ProcessMessages(proc MessageProcessor) {
	current := it.messages
	it.messages = nil
	kept := make([]Message, 0, len(current))
	mc := &messageCursor{iter: it}
	for n, msg := range current {
		mc.msg, mc.taken, mc.stop = msg, false, false
		proc.ProcessMessage(mc)
		if !mc.taken {
			kept = append(kept, msg)
		}
		if mc.stop {
			kept = append(kept, current[n+1:]...)
			break
		}
	}
	it.messages = append(kept, it.messages...)
}

type messageCursor struct {
	iter  *iteration
	msg   Message
	taken bool
	stop  bool
}

func (c *messageCursor) CurrentMessage() Message     { return c.msg }
func (c *messageCursor) MessageTaken()               { c.taken = true }
func (c *messageCursor) StopProcessing()             { c.stop = true }
func (c *messageCursor) AddMessages(msgs ...Message) { c.iter.AddMessages(msgs...) }
