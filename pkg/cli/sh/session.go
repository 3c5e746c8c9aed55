package sh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/transport"
	"github.com/robotalks/devlink.go/pkg/transport/network/mqtt"
	"github.com/robotalks/devlink.go/pkg/transport/stream"
)

// Session is the controller side of a device connection. Every envelope
// received from the device is delivered to OnEnvelope and to waiters.
type Session struct {
	Name  string
	Codec envelope.Codec
	// OnEnvelope is called from the receiving goroutine.
	OnEnvelope func(*envelope.Envelope)

	send    func([]byte) error
	close   func() error
	lastID  uint64
	waiters map[chan *envelope.Envelope]struct{}
	lock    sync.Mutex
}

func newSession(name string, codec envelope.Codec) *Session {
	if codec == nil {
		codec = envelope.JSON
	}
	return &Session{Name: name, Codec: codec, waiters: make(map[chan *envelope.Envelope]struct{})}
}

// DialMQTT opens a session with a device over an MQTT broker.
func DialMQTT(q *mqtt.Queue, ref mqtt.DeviceRef) *Session {
	s := newSession(ref.Name(), envelope.JSON)
	conn := mqtt.Dial(q, ref, s.receive)
	s.send, s.close = conn.Send, conn.Close
	return s
}

// DialBridge opens a session with the BLE UART bridge of a device.
func DialBridge(ctx context.Context, addr string, codec envelope.Codec) (*Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s := newSession("bridge:"+addr, codec)
	pipe := transport.NewPipe(stream.New(conn), s.receive)
	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := pipe.Run(runCtx); err != nil && runCtx.Err() == nil {
			glog.Warningf("session %s: %v", s.Name, err)
		}
	}()
	s.send = pipe.WritePacket
	s.close = func() error {
		cancel()
		return pipe.Close()
	}
	return s, nil
}

// Request encodes and sends an envelope, returning its id.
func (s *Session) Request(msgType string, data interface{}) (string, error) {
	if data == nil {
		data = envelope.Data{}
	}
	d, err := envelope.DataOf(data)
	if err != nil {
		return "", err
	}
	s.lock.Lock()
	s.lastID++
	id := "ctl-" + strconv.FormatUint(s.lastID, 10)
	s.lock.Unlock()
	pkt, err := s.Codec.Encode(&envelope.Envelope{Type: msgType, ID: id, Data: d})
	if err != nil {
		return "", err
	}
	glog.V(2).Infof("SND %s %s", msgType, id)
	return id, s.send(pkt)
}

// Waiter collects envelopes received from Expect until Stop.
type Waiter struct {
	session *Session
	ch      chan *envelope.Envelope
}

// Expect starts collecting received envelopes. Call it before Request so
// a fast reply is not missed.
func (s *Session) Expect() *Waiter {
	w := &Waiter{session: s, ch: make(chan *envelope.Envelope, 16)}
	s.lock.Lock()
	s.waiters[w.ch] = struct{}{}
	s.lock.Unlock()
	return w
}

// Next blocks until an envelope satisfies match or timeout expires.
func (w *Waiter) Next(timeout time.Duration, match func(*envelope.Envelope) bool) (*envelope.Envelope, error) {
	expired := time.After(timeout)
	for {
		select {
		case env := <-w.ch:
			if match(env) {
				return env, nil
			}
		case <-expired:
			return nil, context.DeadlineExceeded
		}
	}
}

// Stop ends collecting.
func (w *Waiter) Stop() {
	w.session.lock.Lock()
	delete(w.session.waiters, w.ch)
	w.session.lock.Unlock()
}

// Close ends the session.
func (s *Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (s *Session) receive(pkt []byte) {
	env, err := s.Codec.Decode(pkt)
	if err != nil {
		glog.Warningf("session %s: %v", s.Name, err)
		return
	}
	glog.V(2).Infof("RCV %s %s", env.Type, env.ID)
	if fn := s.OnEnvelope; fn != nil {
		fn(env)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for ch := range s.waiters {
		select {
		case ch <- env:
		default:
		}
	}
}

// FormatEnvelope prints an envelope in a single line.
func FormatEnvelope(env *envelope.Envelope) string {
	out, err := envelope.JSON.Encode(env)
	if err != nil {
		return fmt.Sprintf("%s %s <%v>", env.Type, env.ID, err)
	}
	return string(out)
}
