package ble

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/robotalks/devlink.go/pkg/transport"
	"github.com/robotalks/devlink.go/pkg/transport/stream"
)

// SerialPeripheral drives a UART attached BLE module running a transparent
// serial profile. The module advertises on its own and relays
// characteristic writes as length-prefixed frames.
type SerialPeripheral struct {
	Port io.ReadWriter
	// Linked reports the module's connection pin. When nil, a central is
	// assumed attached as soon as the peripheral is enabled.
	Linked func() bool

	rw      *stream.ReadWriter
	pipe    *transport.Pipe
	handler func([]byte)
	enabled bool
	cancel  context.CancelFunc
	lock    sync.Mutex
}

// NewSerialPeripheral creates a SerialPeripheral.
func NewSerialPeripheral(port io.ReadWriter) *SerialPeripheral {
	return &SerialPeripheral{Port: port}
}

// Enable implements Peripheral.
func (p *SerialPeripheral) Enable() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.enabled {
		return nil
	}
	p.rw = stream.New(p.Port)
	p.pipe = transport.NewPipe(p.rw, p.onWrite)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel, p.enabled = cancel, true
	go func() {
		if err := p.pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			glog.Errorf("ble serial: %v", err)
		}
		p.lock.Lock()
		p.enabled = false
		p.lock.Unlock()
	}()
	return nil
}

// Advertise implements Peripheral.
func (p *SerialPeripheral) Advertise(name string, service uuid.UUID) error {
	glog.V(1).Infof("ble serial: module advertises %q (%s)", name, service)
	return nil
}

// StopAdvertising implements Peripheral.
func (p *SerialPeripheral) StopAdvertising() error { return nil }

// Connected implements Peripheral.
func (p *SerialPeripheral) Connected() bool {
	p.lock.Lock()
	enabled, linked := p.enabled, p.Linked
	p.lock.Unlock()
	if !enabled {
		return false
	}
	return linked == nil || linked()
}

// Notify implements Peripheral.
func (p *SerialPeripheral) Notify(pkt []byte) error {
	p.lock.Lock()
	pipe := p.pipe
	p.lock.Unlock()
	if pipe == nil {
		return transport.ErrNotConnected
	}
	return pipe.WritePacket(pkt)
}

// SetWriteHandler implements Peripheral.
func (p *SerialPeripheral) SetWriteHandler(fn func([]byte)) {
	p.lock.Lock()
	p.handler = fn
	p.lock.Unlock()
}

// Close stops reading the port.
func (p *SerialPeripheral) Close() error {
	p.lock.Lock()
	cancel := p.cancel
	p.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (p *SerialPeripheral) onWrite(pkt []byte) {
	p.lock.Lock()
	fn := p.handler
	p.lock.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

// ListenerPeripheral emulates the peripheral over TCP for host builds:
// advertising accepts a single central connection at a time, frames are
// length-prefixed.
type ListenerPeripheral struct {
	Addr string

	listener net.Listener
	central  *transport.Pipe
	conn     net.Conn
	handler  func([]byte)
	lock     sync.Mutex
}

// NewListenerPeripheral creates a ListenerPeripheral on addr.
func NewListenerPeripheral(addr string) *ListenerPeripheral {
	return &ListenerPeripheral{Addr: addr}
}

// Enable implements Peripheral.
func (p *ListenerPeripheral) Enable() error { return nil }

// Advertise implements Peripheral.
func (p *ListenerPeripheral) Advertise(name string, service uuid.UUID) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return err
	}
	p.listener = ln
	glog.Infof("ble bridge: %q (%s) listening on %s", name, service, ln.Addr())
	go p.acceptLoop(ln)
	return nil
}

// ListenAddr is the bound address while advertising.
func (p *ListenerPeripheral) ListenAddr() net.Addr {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// StopAdvertising implements Peripheral.
func (p *ListenerPeripheral) StopAdvertising() error {
	p.lock.Lock()
	ln := p.listener
	p.listener = nil
	p.lock.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Connected implements Peripheral.
func (p *ListenerPeripheral) Connected() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.central != nil
}

// Notify implements Peripheral.
func (p *ListenerPeripheral) Notify(pkt []byte) error {
	p.lock.Lock()
	central := p.central
	p.lock.Unlock()
	if central == nil {
		return transport.ErrNotConnected
	}
	return central.WritePacket(pkt)
}

// SetWriteHandler implements Peripheral.
func (p *ListenerPeripheral) SetWriteHandler(fn func([]byte)) {
	p.lock.Lock()
	p.handler = fn
	p.lock.Unlock()
}

// Close stops advertising and drops the central.
func (p *ListenerPeripheral) Close() error {
	err := p.StopAdvertising()
	p.lock.Lock()
	conn := p.conn
	p.lock.Unlock()
	if conn != nil {
		conn.Close()
	}
	return err
}

func (p *ListenerPeripheral) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			glog.V(1).Infof("ble bridge: accept stopped: %v", err)
			return
		}
		p.lock.Lock()
		busy := p.central != nil
		if !busy {
			p.conn = conn
			p.central = transport.NewPipe(stream.New(conn), p.onWrite)
		}
		central := p.central
		p.lock.Unlock()
		if busy {
			glog.Warningf("ble bridge: central already attached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		glog.Infof("ble bridge: central %s attached", conn.RemoteAddr())
		go p.serve(central)
	}
}

func (p *ListenerPeripheral) serve(central *transport.Pipe) {
	err := central.Run(context.Background())
	glog.Infof("ble bridge: central detached: %v", err)
	p.lock.Lock()
	if p.central == central {
		p.central, p.conn = nil, nil
	}
	p.lock.Unlock()
}

func (p *ListenerPeripheral) onWrite(pkt []byte) {
	p.lock.Lock()
	fn := p.handler
	p.lock.Unlock()
	if fn != nil {
		fn(pkt)
	}
}
