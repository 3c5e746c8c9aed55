package device

import (
	"fmt"
	"io"
	"log"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/robotalks/devlink.go/pkg/board"
	"github.com/robotalks/devlink.go/pkg/envelope"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/link/sim"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/provision"
	"github.com/robotalks/devlink.go/pkg/store"
	"github.com/robotalks/devlink.go/pkg/store/sqlite"
	"github.com/robotalks/devlink.go/pkg/transport"
	"github.com/robotalks/devlink.go/pkg/transport/ble"
	"github.com/robotalks/devlink.go/pkg/transport/httpcfg"
	"github.com/robotalks/devlink.go/pkg/transport/network"
	"github.com/robotalks/devlink.go/pkg/transport/network/mqtt"
	"github.com/robotalks/devlink.go/pkg/transport/network/websocket"
)

// Env is a wired device.
type Env struct {
	Config    Config
	SessionID string

	Dispatcher *protocol.Dispatcher
	Inbox      *transport.Inbox
	Radio      link.Radio
	Network    *network.Transport
	BLE        *ble.Transport
	HTTP       *httpcfg.Server
	Store      *store.Store
	Machine    *provision.Machine
	Board      *board.Board

	closers []io.Closer
}

// NewEnv creates the device components with a simulated radio.
func (c *Config) NewEnv() (*Env, error) {
	return c.NewEnvWith(sim.New(c.Networks), nil)
}

// MustNewEnv creates an Env and fails on error.
func (c *Config) MustNewEnv() *Env {
	env, err := c.NewEnv()
	if err != nil {
		log.Fatalln(err)
	}
	return env
}

// NewEnvWith creates the device components over radio. When peripheral
// is nil the BLE UART bridge on BridgeAddr is used, and no short-range
// transport exists if BridgeAddr is empty as well.
func (c *Config) NewEnvWith(radio link.Radio, peripheral ble.Peripheral) (*Env, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	e := &Env{
		Config:     *c,
		SessionID:  uuid.NewString(),
		Dispatcher: protocol.New(nil),
		Inbox:      transport.NewInbox(transport.DefaultInboxSize),
		Radio:      radio,
	}
	if e.Config.DeviceID == "" {
		e.Config.DeviceID = MachineID()
	}

	carriers, err := e.newCarriers()
	if err != nil {
		return nil, err
	}
	e.Network = network.New(radio, carriers...)

	slot, err := e.newSlot()
	if err != nil {
		return nil, err
	}
	e.Store = store.New(slot, e.Config.DeviceName, nil)
	e.Store.Session = e.SessionID

	e.Machine = provision.New(e.Config.ProvisionConfig(), e.Network, e.Store, e.Dispatcher)
	e.Machine.SessionID = e.SessionID

	if peripheral == nil && e.Config.BridgeAddr != "" {
		bridge := ble.NewListenerPeripheral(e.Config.BridgeAddr)
		e.closers = append(e.closers, bridge)
		peripheral = bridge
	}
	if peripheral != nil {
		e.BLE = ble.New(peripheral)
		e.Machine.ShortRange = e.BLE
		codec, _ := envelope.CodecByName(e.Config.BridgeCodec)
		e.Dispatcher.Attach(e.BLE, codec)
		e.Inbox.Attach(e.BLE)
	}

	e.Dispatcher.Attach(e.Network, nil)
	e.Inbox.Attach(e.Network)

	if e.Config.HTTPAddr != "" {
		e.HTTP = httpcfg.New(e.Config.HTTPAddr, e.Machine)
		e.HTTP.DeviceName = e.Config.DeviceName
		if e.Config.MDNS {
			e.HTTP.Instance = e.Config.DeviceName
			e.HTTP.TXT = []string{"id=" + e.Config.DeviceID, "type=" + e.Config.DeviceType}
		}
		e.Dispatcher.Attach(e.HTTP, nil)
		e.Inbox.Attach(e.HTTP)
	}

	e.Board = board.New(nil)
	e.Board.Register(e.Dispatcher)
	e.Machine.Register(e.Dispatcher)
	return e, nil
}

func (e *Env) newCarriers() ([]network.Carrier, error) {
	var carriers []network.Carrier
	if e.Config.MQTTURL != "" {
		ref := mqtt.DeviceRef{Type: e.Config.DeviceType, ID: e.Config.DeviceID}
		meta := mqtt.Meta{Name: e.Config.DeviceName, Version: provision.DefaultVersion, SessionID: e.SessionID}
		c, err := mqtt.NewCarrier(e.Config.MQTTURL, ref, meta)
		if err != nil {
			return nil, fmt.Errorf("mqtt carrier: %w", err)
		}
		carriers = append(carriers, c)
	}
	if e.Config.WebSocketURL != "" {
		carriers = append(carriers, websocket.NewCarrier(e.Config.WebSocketURL))
	}
	return carriers, nil
}

func (e *Env) newSlot() (store.Slot, error) {
	switch e.Config.StoreBackend {
	case StoreFile:
		return store.NewFileSlot(e.Config.StorePath), nil
	case StoreSQLite:
		slot, err := sqlite.Open(e.Config.StorePath)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, slot)
		return slot, nil
	default:
		return store.NewMemorySlot(), nil
	}
}

// AddToLoop implements LoopAdder.
func (e *Env) AddToLoop(l *fx.Loop) {
	if e.Config.LoopInterval > 0 {
		l.Interval = e.Config.LoopInterval
	}
	if l.Clock != nil {
		e.Dispatcher.Clock = l.Clock
		e.Store.Clock = l.Clock
	}
	l.Add(e.Inbox)
	if e.BLE != nil {
		l.Add(e.BLE)
	}
	l.Add(e.Machine, e.Dispatcher)
	if e.HTTP != nil {
		l.AddRunnable(e.HTTP)
	}
	glog.Infof("device %s/%s (%s) session %s", e.Config.DeviceType, e.Config.DeviceID, e.Config.DeviceName, e.SessionID)
}

// Close releases the bridge listener and the store.
func (e *Env) Close() error {
	var errs fx.AggregatedError
	for _, c := range e.closers {
		errs.Add(c.Close())
	}
	e.closers = nil
	return errs.Aggregate()
}
