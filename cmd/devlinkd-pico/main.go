//go:build rp2040 || rp2350

// Command devlinkd-pico is the Pico W firmware: a UART attached BLE module
// for provisioning and the on-board CYW43439 for the network link.
package main

import (
	"log/slog"
	"machine"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/robotalks/devlink.go/pkg/board"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/link/pico"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/provision"
	"github.com/robotalks/devlink.go/pkg/store"
	"github.com/robotalks/devlink.go/pkg/transport"
	"github.com/robotalks/devlink.go/pkg/transport/ble"
	"github.com/robotalks/devlink.go/pkg/transport/network"
)

const deviceName = "devlink-pico"

// ledActuator lights the on-board LED for the duration of an LED command.
type ledActuator struct {
	radio  *pico.Radio
	logger *slog.Logger
}

func (a *ledActuator) LED(cmd board.LEDCommand) error {
	a.radio.LED(true)
	time.AfterFunc(time.Duration(cmd.Duration)*time.Millisecond, func() { a.radio.LED(false) })
	return nil
}

func (a *ledActuator) Haptic(cmd board.HapticCommand) error {
	a.logger.Info("haptic", slog.String("pattern", cmd.Pattern), slog.Int("duration", cmd.Duration))
	return nil
}

func main() {
	time.Sleep(2 * time.Second) // let the serial console attach.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	uart := machine.UART0
	if err := uart.Configure(machine.UARTConfig{BaudRate: 115200}); err != nil {
		logger.Error("uart", slog.String("err", err.Error()))
		return
	}

	radio := pico.New(pico.Config{Hostname: deviceName, TCPPorts: 1, UDPPorts: 1, Logger: logger})
	primary := network.New(radio)
	shortRange := ble.New(ble.NewSerialPeripheral(uart))
	dispatcher := protocol.New(nil)
	inbox := transport.NewInbox(8)
	dispatcher.Attach(shortRange, nil).Attach(primary, nil)
	inbox.Attach(shortRange, primary)

	session := uuid.NewString()
	creds := store.New(store.NewMemorySlot(), deviceName, nil)
	creds.Session = session

	cfg := provision.DefaultConfig()
	cfg.DeviceName = deviceName
	m := provision.New(cfg, primary, creds, dispatcher)
	m.ShortRange = shortRange
	m.SessionID = session
	m.OnTransition = func(from, to provision.State) {
		logger.Info("state", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	m.Register(dispatcher)
	board.New(&ledActuator{radio: radio, logger: logger}).Register(dispatcher)

	fx.NewLoop().Add(inbox, shortRange, m, dispatcher).RunOrFail()
}
