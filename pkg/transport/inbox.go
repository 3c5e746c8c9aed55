package transport

import (
	"sync"

	"github.com/golang/glog"

	fx "github.com/robotalks/devlink.go/pkg/framework"
)

// DefaultInboxSize is the default number of buffered frames.
const DefaultInboxSize = 32

// Inbound is an undecoded frame in the loop message store.
type Inbound struct {
	Source Transport
	Packet []byte
}

// Inbox buffers frames delivered by interrupt or callback context until
// the loop polls them. It is safe for concurrent producers.
type Inbox struct {
	size    int
	frames  []Inbound
	dropped int
	lock    sync.Mutex
	wakeUp  func()
}

// NewInbox creates an Inbox holding at most size frames.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{size: size}
}

// Push appends a frame. The frame is dropped when the inbox is full.
func (b *Inbox) Push(src Transport, pkt []byte) bool {
	b.lock.Lock()
	if len(b.frames) >= b.size {
		b.dropped++
		b.lock.Unlock()
		glog.Warningf("inbox full, frame from %s dropped", src.Name())
		return false
	}
	b.frames = append(b.frames, Inbound{Source: src, Packet: append([]byte(nil), pkt...)})
	wakeUp := b.wakeUp
	b.lock.Unlock()
	if wakeUp != nil {
		wakeUp()
	}
	return true
}

// ReceiverFor returns the inbound callback bound to src.
func (b *Inbox) ReceiverFor(src Transport) Receiver {
	return func(pkt []byte) {
		b.Push(src, pkt)
	}
}

// Attach registers b as the receiver of transports.
func (b *Inbox) Attach(transports ...Transport) {
	for _, t := range transports {
		t.OnReceive(b.ReceiverFor(t))
	}
}

// Drain removes and returns all buffered frames in arrival order.
func (b *Inbox) Drain() []Inbound {
	b.lock.Lock()
	frames := b.frames
	b.frames = nil
	b.lock.Unlock()
	return frames
}

// Dropped counts frames lost to overflow.
func (b *Inbox) Dropped() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.dropped
}

// Control implements Controller. It moves buffered frames into the
// iteration message store.
func (b *Inbox) Control(cc fx.ControlContext) error {
	for _, f := range b.Drain() {
		frame := f
		cc.Messages().AddMessages(&frame)
	}
	return nil
}

// AddToLoop implements LoopAdder.
func (b *Inbox) AddToLoop(l *fx.Loop) {
	b.lock.Lock()
	b.wakeUp = l.TriggerNext
	b.lock.Unlock()
	l.AddController(fx.PrLvPoll, b)
}
