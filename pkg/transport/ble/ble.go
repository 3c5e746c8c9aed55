// Package ble implements the short-range provisioning transport: a
// peripheral advertising one service with a single characteristic carrying
// encoded envelopes in both directions.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// Name is the transport name.
const Name = "ble"

// Default identifiers of the provisioning service.
var (
	DefaultServiceUUID        = uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	DefaultCharacteristicUUID = uuid.MustParse("87654321-4321-4321-4321-cba987654321")
)

// DefaultAdvertiseLogInterval is how often advertising is logged.
const DefaultAdvertiseLogInterval = 30 * time.Second

// Peripheral is the radio side of the short-range transport.
type Peripheral interface {
	Enable() error
	Advertise(name string, service uuid.UUID) error
	StopAdvertising() error
	// Connected reports whether a central is attached.
	Connected() bool
	// Notify writes a value to the characteristic.
	Notify(pkt []byte) error
	// SetWriteHandler registers the callback for values written by the
	// central. It may be called from interrupt or goroutine context.
	SetWriteHandler(func(pkt []byte))
}

// Transport implements transport.Transport over a Peripheral.
type Transport struct {
	Peripheral     Peripheral
	Service        uuid.UUID
	Characteristic uuid.UUID
	// AdvertiseLogInterval is the period of the advertising status log.
	AdvertiseLogInterval time.Duration

	recv        transport.Receiver
	enabled     bool
	advertising bool
	advName     string
	lastAdvLog  uint64
	wasConn     bool
	lock        sync.Mutex
}

// New creates a Transport with default identifiers.
func New(p Peripheral) *Transport {
	return &Transport{
		Peripheral:           p,
		Service:              DefaultServiceUUID,
		Characteristic:       DefaultCharacteristicUUID,
		AdvertiseLogInterval: DefaultAdvertiseLogInterval,
	}
}

// Name implements Transport.
func (t *Transport) Name() string { return Name }

// Activate implements Transport. It enables the peripheral once.
func (t *Transport) Activate(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.enabled {
		return nil
	}
	t.Peripheral.SetWriteHandler(t.deliver)
	if err := t.Peripheral.Enable(); err != nil {
		return fmt.Errorf("ble enable: %w", err)
	}
	t.enabled = true
	glog.Infof("ble: enabled, service %s characteristic %s", t.Service, t.Characteristic)
	return nil
}

// Advertise starts advertising the provisioning service under name.
func (t *Transport) Advertise(name string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.enabled {
		return transport.ErrNotConnected
	}
	if err := t.Peripheral.Advertise(name, t.Service); err != nil {
		return fmt.Errorf("ble advertise: %w", err)
	}
	t.advertising, t.advName, t.lastAdvLog = true, name, 0
	glog.Infof("ble: advertising as %q", name)
	return nil
}

// Advertising tells whether the service is advertised.
func (t *Transport) Advertising() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.advertising
}

// Deactivate implements transport.Deactivator. It stops advertising; an
// attached central stays connected.
func (t *Transport) Deactivate() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.advertising {
		return nil
	}
	t.advertising = false
	glog.Info("ble: advertising stopped")
	return t.Peripheral.StopAdvertising()
}

// IsConnected implements Transport.
func (t *Transport) IsConnected() bool {
	t.lock.Lock()
	enabled := t.enabled
	t.lock.Unlock()
	return enabled && t.Peripheral.Connected()
}

// Send implements Transport.
func (t *Transport) Send(pkt []byte) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	if err := t.Peripheral.Notify(pkt); err != nil {
		return fmt.Errorf("%w: ble: %v", transport.ErrSendFailed, err)
	}
	glog.V(2).Infof("ble: SND %d bytes", len(pkt))
	return nil
}

// OnReceive implements Transport.
func (t *Transport) OnReceive(recv transport.Receiver) {
	t.lock.Lock()
	t.recv = recv
	t.lock.Unlock()
}

func (t *Transport) deliver(pkt []byte) {
	t.lock.Lock()
	recv := t.recv
	t.lock.Unlock()
	glog.V(2).Infof("ble: RCV %d bytes", len(pkt))
	if recv != nil {
		recv(pkt)
	}
}

// Control implements Controller. It logs central attach/detach and the
// periodic advertising status.
func (t *Transport) Control(cc fx.ControlContext) error {
	connected := t.IsConnected()
	t.lock.Lock()
	defer t.lock.Unlock()
	if connected != t.wasConn {
		if connected {
			glog.Info("ble: central connected")
		} else {
			glog.Info("ble: central disconnected")
		}
		t.wasConn = connected
	}
	if !t.advertising {
		return nil
	}
	interval := fx.MillisOf(t.AdvertiseLogInterval)
	if now := cc.Millis(); t.lastAdvLog == 0 || now-t.lastAdvLog >= interval {
		if t.lastAdvLog != 0 {
			glog.Infof("ble: advertising active, discoverable as %q, service %s", t.advName, t.Service)
		}
		t.lastAdvLog = now
		if t.lastAdvLog == 0 {
			t.lastAdvLog = 1
		}
	}
	return nil
}

// AddToLoop implements LoopAdder.
func (t *Transport) AddToLoop(l *fx.Loop) {
	l.AddController(fx.PrLvPoll, t)
}
