//go:build rp2040 || rp2350

// Package pico drives the CYW43439 network module of the Raspberry Pi Pico W.
package pico

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"

	"github.com/robotalks/devlink.go/pkg/link"
)

const mtu = cyw43439.MTU

// Config configures the Radio.
type Config struct {
	Hostname string
	// TCPPorts is the number of TCP ports opened on the stack.
	TCPPorts uint16
	// UDPPorts excludes the port used by DHCP.
	UDPPorts uint16
	Logger   *slog.Logger
}

// Radio implements link.Radio on cyw43439 with a seqs network stack.
type Radio struct {
	cfg    Config
	dev    *cyw43439.Device
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	stack *stacks.PortStack
	mac   [6]byte
	up    bool
	lock  sync.Mutex
}

// New creates the Radio. The module is initialised on first use.
func New(cfg Config) *Radio {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Radio{cfg: cfg, dev: cyw43439.NewPicoWDevice(), logger: logger}
}

// Present implements link.Radio.
func (r *Radio) Present() error {
	r.initOnce.Do(func() {
		wificfg := cyw43439.DefaultWifiConfig()
		wificfg.Logger = r.logger
		start := time.Now()
		if err := r.dev.Init(wificfg); err != nil {
			r.initErr = fmt.Errorf("cyw43439 init: %v: %w", err, link.ErrModuleAbsent)
			return
		}
		r.logger.Info("cyw43439:Init", slog.Duration("duration", time.Since(start)))
		mac, err := r.dev.HardwareAddr6()
		if err != nil {
			r.initErr = fmt.Errorf("cyw43439 mac: %v: %w", err, link.ErrHardwareFault)
			return
		}
		r.mac = mac
	})
	return r.initErr
}

// Join implements link.Radio. The firmware join call itself cannot be
// interrupted, ctx is checked between the join and DHCP phases.
func (r *Radio) Join(ctx context.Context, creds link.Credentials, timeout time.Duration) (link.Info, error) {
	if err := r.Present(); err != nil {
		return link.Info{}, err
	}
	deadline := time.Now().Add(timeout)
	r.logger.Info("joining WPA secure network", slog.String("ssid", creds.NetworkID), slog.Int("passlen", len(creds.Secret)))
	if err := r.dev.JoinWPA2(creds.NetworkID, creds.Secret); err != nil {
		r.logger.Error("wifi join failed", slog.String("err", err.Error()))
		return link.Info{}, fmt.Errorf("join %q: %v: %w", creds.NetworkID, err, link.ErrAuthRejected)
	}
	if err := ctx.Err(); err != nil {
		return link.Info{}, err
	}

	stack := r.ensureStack()
	dhcpClient := stacks.NewDHCPClient(stack, dhcp.DefaultClientPort)
	err := dhcpClient.BeginRequest(stacks.DHCPRequestConfig{
		Xid:      uint32(time.Now().Nanosecond()),
		Hostname: r.cfg.Hostname,
	})
	if err != nil {
		return link.Info{}, fmt.Errorf("dhcp: %v: %w", err, link.ErrHardwareFault)
	}
	for dhcpClient.State() != dhcp.StateBound {
		if time.Now().After(deadline) {
			return link.Info{}, fmt.Errorf("dhcp: %w", link.ErrJoinTimeout)
		}
		select {
		case <-ctx.Done():
			return link.Info{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	ip := dhcpClient.Offer()
	stack.SetAddr(ip)
	r.logger.Info("DHCP complete", slog.String("ourIP", ip.String()), slog.String("gateway", dhcpClient.Gateway().String()))

	r.lock.Lock()
	r.up = true
	r.lock.Unlock()
	return link.Info{
		NetworkID: creds.NetworkID,
		Address:   ip.String(),
		Gateway:   addrString(dhcpClient.Gateway()),
		MAC:       net.HardwareAddr(r.mac[:]).String(),
	}, nil
}

// LinkUp implements link.Radio.
func (r *Radio) LinkUp() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.up
}

// Leave implements link.Radio.
func (r *Radio) Leave() error {
	r.lock.Lock()
	r.up = false
	r.lock.Unlock()
	return nil
}

// Stack exposes the network stack once joined, for carriers.
func (r *Radio) Stack() *stacks.PortStack {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stack
}

// LED drives the on-board LED wired to the module.
func (r *Radio) LED(on bool) {
	r.dev.GPIOSet(0, on)
}

func (r *Radio) ensureStack() *stacks.PortStack {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stack != nil {
		return r.stack
	}
	r.stack = stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             r.mac,
		MaxOpenPortsUDP: int(r.cfg.UDPPorts) + 1,
		MaxOpenPortsTCP: int(r.cfg.TCPPorts),
		MTU:             mtu,
		Logger:          r.logger,
	})
	r.dev.RecvEthHandle(r.stack.RecvEth)
	go r.nicLoop(r.stack)
	return r.stack
}

// nicLoop moves frames between the module and the stack.
func (r *Radio) nicLoop(stack *stacks.PortStack) {
	const maxSendFailures = 10
	var buf [mtu]byte
	failures := 0
	for {
		gotPacket, err := r.dev.PollOne()
		if err != nil {
			r.logger.Error("poll", slog.String("err", err.Error()))
		}
		n, err := stack.HandleEth(buf[:])
		if err != nil {
			r.logger.Error("stack", slog.String("err", err.Error()))
			n = 0
		}
		if n > 0 {
			if err := r.dev.SendEth(buf[:n]); err != nil {
				failures++
				if failures >= maxSendFailures {
					r.markDown()
				}
			} else {
				failures = 0
			}
		}
		if !gotPacket && n == 0 {
			time.Sleep(51 * time.Millisecond)
		}
	}
}

func (r *Radio) markDown() {
	r.lock.Lock()
	if r.up {
		r.logger.Warn("link lost")
	}
	r.up = false
	r.lock.Unlock()
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
