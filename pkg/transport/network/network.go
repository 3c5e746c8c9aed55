// Package network implements the primary IP transport: a radio link plus a
// carrier protocol reaching the controller over that link.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// Name is the transport name.
const Name = "network"

// Carrier moves frames between the device and its controller once the
// link is up.
type Carrier interface {
	Name() string
	// Start connects using the established link. It may keep
	// reconnecting in the background after returning.
	Start(ctx context.Context, info link.Info) error
	Stop() error
	Connected() bool
	Send(pkt []byte) error
	OnReceive(transport.Receiver)
}

// Transport implements transport.Transport over a Radio and Carriers.
type Transport struct {
	Radio    link.Radio
	Carriers []Carrier
	// CarrierTimeout bounds each carrier start after joining.
	CarrierTimeout time.Duration

	info link.Info
	lock sync.Mutex
}

// DefaultCarrierTimeout is the default bound of a carrier start.
const DefaultCarrierTimeout = 3 * time.Second

// New creates a Transport.
func New(radio link.Radio, carriers ...Carrier) *Transport {
	return &Transport{Radio: radio, Carriers: carriers, CarrierTimeout: DefaultCarrierTimeout}
}

// Name implements Transport.
func (t *Transport) Name() string { return Name }

// Activate implements Transport. It checks the network module.
func (t *Transport) Activate(ctx context.Context) error {
	return t.Radio.Present()
}

// Join associates with the network and starts the carriers. Carrier
// failures are logged and do not fail the join.
func (t *Transport) Join(ctx context.Context, creds link.Credentials, timeout time.Duration) (link.Info, error) {
	info, err := t.Radio.Join(ctx, creds, timeout)
	if err != nil {
		return link.Info{}, err
	}
	t.lock.Lock()
	t.info = info
	t.lock.Unlock()
	for _, c := range t.Carriers {
		cctx, cancel := context.WithTimeout(ctx, t.carrierTimeout())
		err := c.Start(cctx, info)
		cancel()
		if err != nil {
			glog.Warningf("network: carrier %s: %v", c.Name(), err)
		}
	}
	return info, nil
}

func (t *Transport) carrierTimeout() time.Duration {
	if t.CarrierTimeout <= 0 {
		return DefaultCarrierTimeout
	}
	return t.CarrierTimeout
}

// LinkUp reports the radio link state.
func (t *Transport) LinkUp() bool {
	return t.Radio.LinkUp()
}

// Info returns the last established link.
func (t *Transport) Info() link.Info {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.info
}

// Leave stops the carriers and drops the link.
func (t *Transport) Leave() error {
	for _, c := range t.Carriers {
		if err := c.Stop(); err != nil {
			glog.Warningf("network: stop carrier %s: %v", c.Name(), err)
		}
	}
	t.lock.Lock()
	t.info = link.Info{}
	t.lock.Unlock()
	return t.Radio.Leave()
}

// IsConnected implements Transport: the link is up and at least one
// carrier reaches the controller.
func (t *Transport) IsConnected() bool {
	if !t.Radio.LinkUp() {
		return false
	}
	for _, c := range t.Carriers {
		if c.Connected() {
			return true
		}
	}
	return false
}

// Send implements Transport. The frame goes to every connected carrier.
func (t *Transport) Send(pkt []byte) error {
	if !t.Radio.LinkUp() {
		return transport.ErrNotConnected
	}
	sent := false
	var lastErr error
	for _, c := range t.Carriers {
		if !c.Connected() {
			continue
		}
		if err := c.Send(pkt); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	switch {
	case sent:
		return nil
	case lastErr != nil:
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, lastErr)
	}
	return transport.ErrNotConnected
}

// OnReceive implements Transport.
func (t *Transport) OnReceive(recv transport.Receiver) {
	for _, c := range t.Carriers {
		c.OnReceive(recv)
	}
}
