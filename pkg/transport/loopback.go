package transport

import (
	"context"
	"sync"
)

// Loopback is an in-memory Transport. Sent frames are kept for
// inspection and Inject delivers inbound frames. It backs local peers
// such as an attached console, and tests.
type Loopback struct {
	name      string
	connected bool
	sent      [][]byte
	recv      Receiver
	lock      sync.Mutex
}

// NewLoopback creates a connected Loopback.
func NewLoopback(name string) *Loopback {
	return &Loopback{name: name, connected: true}
}

// Name implements Transport.
func (t *Loopback) Name() string { return t.name }

// Activate implements Transport.
func (t *Loopback) Activate(context.Context) error { return nil }

// IsConnected implements Transport.
func (t *Loopback) IsConnected() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connected
}

// SetConnected changes the reported connection.
func (t *Loopback) SetConnected(connected bool) {
	t.lock.Lock()
	t.connected = connected
	t.lock.Unlock()
}

// Send implements Transport.
func (t *Loopback) Send(pkt []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.sent = append(t.sent, append([]byte(nil), pkt...))
	return nil
}

// OnReceive implements Transport.
func (t *Loopback) OnReceive(recv Receiver) {
	t.lock.Lock()
	t.recv = recv
	t.lock.Unlock()
}

// Inject delivers pkt to the registered receiver.
func (t *Loopback) Inject(pkt []byte) {
	t.lock.Lock()
	recv := t.recv
	t.lock.Unlock()
	if recv != nil {
		recv(pkt)
	}
}

// Sent returns and clears the frames sent so far.
func (t *Loopback) Sent() [][]byte {
	t.lock.Lock()
	defer t.lock.Unlock()
	sent := t.sent
	t.sent = nil
	return sent
}
