// Package provision drives the device from power-on to a stable network
// connection: loading stored credentials, soliciting new ones over the
// short-range transport, joining with bounded retries and recovering
// from link loss.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// Defaults of Config.
const (
	DefaultMaxAttempts       = 5
	DefaultAttemptTimeout    = 10 * time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultVersion           = "1.0.0"
)

// DefaultCapabilities are reported in DEVICE_INFO.
var DefaultCapabilities = []string{"wifi", "ble", "provisioning"}

// Config defines the provisioning behavior.
type Config struct {
	// DeviceName is advertised on the short-range transport.
	DeviceName   string
	DeviceID     string
	Version      string
	Capabilities []string
	// MaxAttempts caps join attempts per Connecting or Reconnecting.
	MaxAttempts int
	// AttemptTimeout bounds a single join attempt.
	AttemptTimeout time.Duration
	// RetryDelay separates failed attempts.
	RetryDelay time.Duration
	// KeepaliveInterval is the PING period while Connected.
	KeepaliveInterval time.Duration
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		DeviceName:        "devlink",
		Version:           DefaultVersion,
		Capabilities:      DefaultCapabilities,
		MaxAttempts:       DefaultMaxAttempts,
		AttemptTimeout:    DefaultAttemptTimeout,
		RetryDelay:        DefaultRetryDelay,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.DeviceName == "" {
		c.DeviceName = def.DeviceName
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.Capabilities == nil {
		c.Capabilities = def.Capabilities
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
}

type joinResult struct {
	gen  uint64
	info link.Info
	err  error
}

// Machine is the provisioning state machine. All transitions happen on
// the loop; Connectivity and State may be read from any goroutine.
type Machine struct {
	Config
	Network Network
	Store   CredentialStore
	Sender  Sender
	// ShortRange is optional; without it credentials only arrive over
	// the network transports.
	ShortRange ShortRange
	// SessionID identifies this boot in DEVICE_INFO.
	SessionID string
	// OnTransition is called on the loop after each state change.
	OnTransition func(from, to State)

	state  State
	creds  link.Credentials
	info   link.Info
	reason string
	lock   sync.RWMutex

	// persisted is set when the store holds creds.
	persisted bool
	fatal     bool

	attemptsLeft  int
	nextAttemptAt uint64
	pending       bool
	cancel        context.CancelFunc
	generation    uint64
	results       chan joinResult

	lastKeepalive   uint64
	centralWas      bool
	advertised      bool
	nextAdvertiseAt uint64

	wakeUp func()
}

// New creates a Machine in Uninitialized.
func New(cfg Config, network Network, store CredentialStore, sender Sender) *Machine {
	cfg.setDefaults()
	return &Machine{
		Config:  cfg,
		Network: network,
		Store:   store,
		Sender:  sender,
		results: make(chan joinResult, 8),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

// Credentials returns a copy of the in-memory credentials.
func (m *Machine) Credentials() link.Credentials {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.creds
}

// Connectivity implements protocol.StatusReader.
func (m *Machine) Connectivity() protocol.Connectivity {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return protocol.Connectivity{
		State:       m.state.String(),
		Provisioned: m.creds.Usable(),
		NetworkID:   m.creds.NetworkID,
		Link:        m.info,
		Reason:      m.reason,
	}
}

// Register installs the credential and restart handlers.
func (m *Machine) Register(d *protocol.Dispatcher) {
	d.HandleFunc(protocol.TypeWiFiConfig, m.handleWiFiConfig)
	d.HandleFunc(protocol.TypeRestartProvisioning, m.handleRestart)
}

// AddToLoop implements LoopAdder.
func (m *Machine) AddToLoop(l *fx.Loop) {
	m.wakeUp = l.TriggerNext
	l.AddController(fx.PrLvTimers, m)
}

// Control implements Controller.
func (m *Machine) Control(cc fx.ControlContext) error {
	ctx, now := cc.Context(), cc.Millis()
	m.pollJoin(ctx, now)
	centralEdge := m.centralConnected()

	switch m.state {
	case Uninitialized:
		m.boot(ctx, now)
	case Provisioning:
		if !m.advertised && now >= m.nextAdvertiseAt {
			if m.advertise(ctx, now) {
				m.announce(now)
			}
		} else if centralEdge {
			m.announce(now)
		}
	case Connecting, Reconnecting:
		m.tickJoin(ctx, now)
	case Connected:
		m.tickConnected(ctx, now)
	case Failed:
		if !m.fatal {
			m.enterProvisioning(ctx, now)
			break
		}
		if !m.advertised && now >= m.nextAdvertiseAt {
			m.advertise(ctx, now)
		}
		if centralEdge {
			m.reportFailure(now)
		}
	}
	return nil
}

func (m *Machine) boot(ctx context.Context, now uint64) {
	if err := m.Network.Activate(ctx); err != nil {
		if link.IsFatal(err) {
			glog.Errorf("provision: network unavailable: %v", err)
			m.fail(ctx, now, err)
			return
		}
		glog.Warningf("provision: network activate: %v", err)
	}
	creds, ok := m.Store.Load()
	if !ok {
		m.enterProvisioning(ctx, now)
		return
	}
	m.setCreds(creds, true)
	m.enterJoin(Connecting, now)
}

func (m *Machine) enterProvisioning(ctx context.Context, now uint64) {
	m.cancelAttempt()
	m.transition(Provisioning)
	m.advertised = false
	if m.advertise(ctx, now) {
		m.announce(now)
	}
}

// advertise activates the short-range transport and advertises. On
// failure it is retried after RetryDelay.
func (m *Machine) advertise(ctx context.Context, now uint64) bool {
	if m.ShortRange == nil {
		m.advertised = true
		return true
	}
	err := m.ShortRange.Activate(ctx)
	if err == nil {
		err = m.ShortRange.Advertise(m.DeviceName)
	}
	if err != nil {
		glog.Warningf("provision: short-range transport: %v", err)
		m.nextAdvertiseAt = now + fx.MillisOf(m.RetryDelay)
		return false
	}
	m.advertised = true
	return true
}

// centralConnected reports a rising edge of the short-range connection.
func (m *Machine) centralConnected() bool {
	if m.ShortRange == nil {
		return false
	}
	connected := m.ShortRange.IsConnected()
	edge := connected && !m.centralWas
	m.centralWas = connected
	return edge
}

func (m *Machine) announce(now uint64) {
	// the central attached now has been greeted.
	if m.ShortRange != nil {
		m.centralWas = m.ShortRange.IsConnected()
	}
	m.send(protocol.TypeDeviceInfo, &protocol.DeviceInfo{
		Name:         m.DeviceName,
		Version:      m.Version,
		Status:       "READY",
		Capabilities: m.Capabilities,
		DeviceID:     m.DeviceID,
		SessionID:    m.SessionID,
	})
	m.status(now, protocol.StatusScanning, protocol.PhaseReady, "Device ready for WiFi configuration", "")
}

func (m *Machine) enterJoin(state State, now uint64) {
	m.cancelAttempt()
	m.transition(state)
	m.attemptsLeft = m.MaxAttempts
	m.nextAttemptAt = now
	m.status(now, protocol.StatusConnecting, protocol.PhaseConnecting, "Connecting to "+m.creds.NetworkID, "")
	m.wake()
}

func (m *Machine) tickJoin(ctx context.Context, now uint64) {
	if m.pending || now < m.nextAttemptAt {
		return
	}
	if !m.creds.Usable() {
		glog.Warning("provision: no usable credentials to join with")
		m.enterProvisioning(ctx, now)
		return
	}
	m.startAttempt(ctx)
}

func (m *Machine) startAttempt(ctx context.Context) {
	m.generation++
	gen := m.generation
	attempt := m.MaxAttempts - m.attemptsLeft + 1
	m.attemptsLeft--
	actx, cancel := context.WithCancel(ctx)
	m.pending, m.cancel = true, cancel

	creds, timeout, results, wake := m.creds, m.AttemptTimeout, m.results, m.wakeUp
	glog.Infof("provision: joining %q, attempt %d/%d", creds.NetworkID, attempt, m.MaxAttempts)
	go func() {
		info, err := m.Network.Join(actx, creds, timeout)
		results <- joinResult{gen: gen, info: info, err: err}
		if wake != nil {
			wake()
		}
	}()
}

// cancelAttempt aborts the attempt in flight. Its result is discarded
// when it arrives.
func (m *Machine) cancelAttempt() {
	if !m.pending {
		return
	}
	m.cancel()
	m.pending, m.cancel = false, nil
	m.generation++
}

func (m *Machine) pollJoin(ctx context.Context, now uint64) {
	for {
		select {
		case res := <-m.results:
			if !m.pending || res.gen != m.generation {
				glog.V(3).Infof("provision: stale join result %d discarded", res.gen)
				continue
			}
			m.cancel()
			m.pending, m.cancel = false, nil
			m.joinDone(ctx, now, res)
		default:
			return
		}
	}
}

func (m *Machine) joinDone(ctx context.Context, now uint64, res joinResult) {
	if res.err == nil {
		m.connected(now, res.info)
		return
	}
	glog.Warningf("provision: join %q failed: %v", m.creds.NetworkID, res.err)
	switch {
	case link.IsFatal(res.err):
		m.fail(ctx, now, res.err)
	case m.attemptsLeft > 0:
		m.nextAttemptAt = now + fx.MillisOf(m.RetryDelay)
	case m.state == Reconnecting && !link.IsCredentialRelated(res.err):
		glog.Warningf("provision: reconnect to %q abandoned after %d attempts", m.creds.NetworkID, m.MaxAttempts)
		m.lock.Lock()
		m.reason = link.ReasonCode(res.err)
		m.lock.Unlock()
		m.reportFailure(now)
		m.enterProvisioning(ctx, now)
	default:
		m.fail(ctx, now, res.err)
	}
}

func (m *Machine) connected(now uint64, info link.Info) {
	m.lock.Lock()
	m.info, m.reason = info, ""
	m.lock.Unlock()
	m.transition(Connected)
	glog.Infof("provision: connected to %q, address %s, rssi %d", m.creds.NetworkID, info.Address, info.RSSI)
	if !m.persisted {
		m.persist(now)
	}
	msg := fmt.Sprintf("Connected to %s | IP: %s | RSSI: %ddBm", m.creds.NetworkID, info.Address, info.RSSI)
	m.status(now, protocol.StatusCompleted, protocol.PhaseSuccess, msg, info.Address)
	m.send(protocol.TypeWiFiStatus, &protocol.WiFiStatus{
		Status:         protocol.WiFiConnected,
		IPAddress:      info.Address,
		SignalStrength: info.RSSI,
	})
	m.lastKeepalive = now
	if m.ShortRange != nil {
		if err := m.ShortRange.Deactivate(); err != nil {
			glog.Warningf("provision: short-range deactivate: %v", err)
		}
		m.advertised = false
	}
}

func (m *Machine) tickConnected(ctx context.Context, now uint64) {
	if !m.Network.LinkUp() {
		glog.Warningf("provision: link to %q lost", m.creds.NetworkID)
		m.linkLost(ctx, now)
		return
	}
	if now-m.lastKeepalive >= fx.MillisOf(m.KeepaliveInterval) {
		m.lastKeepalive = now
		m.send(protocol.TypePing, map[string]interface{}{"timestamp": now})
	}
}

func (m *Machine) linkLost(ctx context.Context, now uint64) {
	m.lock.Lock()
	m.info = link.Info{}
	m.lock.Unlock()
	if err := m.Network.Leave(); err != nil {
		glog.Warningf("provision: leave: %v", err)
	}
	if creds, ok := m.Store.Load(); ok {
		m.setCreds(creds, true)
	} else if !m.creds.Usable() {
		m.enterProvisioning(ctx, now)
		return
	}
	m.enterJoin(Reconnecting, now)
}

// fail enters Failed. Credential related failures wipe the in-memory
// credentials, and the stored record when it holds the same values.
func (m *Machine) fail(ctx context.Context, now uint64, err error) {
	m.cancelAttempt()
	m.fatal = link.IsFatal(err)
	m.lock.Lock()
	m.reason = link.ReasonCode(err)
	m.info = link.Info{}
	m.lock.Unlock()
	m.transition(Failed)
	if link.IsCredentialRelated(err) {
		m.forget()
	}
	m.reportFailure(now)
	if m.fatal {
		glog.Errorf("provision: %s, halted until reset", m.reason)
		m.advertised = false
		m.advertise(ctx, now)
	}
}

func (m *Machine) reportFailure(now uint64) {
	m.status(now, protocol.StatusFailed, protocol.PhaseError, failureMessage(m.reason), "")
	m.send(protocol.TypeWiFiStatus, &protocol.WiFiStatus{
		Status:       protocol.WiFiFailed,
		ErrorMessage: m.reason,
	})
}

func (m *Machine) forget() {
	rejected := m.Credentials()
	if stored, ok := m.Store.Load(); ok && stored.Equal(rejected) {
		if err := m.Store.Clear(); err != nil {
			glog.Errorf("provision: clear rejected credentials: %v", err)
		}
	}
	glog.Infof("provision: credentials %s cleared", rejected)
	m.setCreds(link.Credentials{}, false)
}

func (m *Machine) handleWiFiConfig(req *protocol.Request) error {
	creds, err := protocol.ParseWiFiConfig(req.Data)
	if err != nil {
		m.status(req.Millis, protocol.StatusFailed, protocol.PhaseError, "Invalid credentials", "")
		return &protocol.Error{Code: protocol.CodeInvalidCredentials, Message: "Invalid credentials", Details: err.Error()}
	}
	if m.state == Failed && m.fatal {
		return &protocol.Error{Code: m.reason, Message: failureMessage(m.reason)}
	}
	glog.Infof("provision: credentials %s received on %s", creds, sourceName(req.Source))
	if m.pending {
		glog.Infof("provision: join of %q superseded", m.creds.NetworkID)
	}
	m.cancelAttempt()
	if m.state == Connected {
		if err := m.Network.Leave(); err != nil {
			glog.Warningf("provision: leave: %v", err)
		}
	}
	m.setCreds(creds, false)
	m.persist(req.Millis)
	m.status(req.Millis, protocol.StatusConnecting, protocol.PhaseAck, "Credentials received", "")
	m.enterJoin(Connecting, req.Millis)
	return nil
}

func (m *Machine) handleRestart(req *protocol.Request) error {
	glog.Infof("provision: restart requested on %s", sourceName(req.Source))
	m.cancelAttempt()
	if err := m.Network.Leave(); err != nil {
		glog.Warningf("provision: leave: %v", err)
	}
	if err := m.Store.Clear(); err != nil {
		glog.Errorf("provision: clear credentials: %v", err)
	}
	m.setCreds(link.Credentials{}, false)
	m.fatal = false
	m.lock.Lock()
	m.info, m.reason = link.Info{}, ""
	m.lock.Unlock()
	m.enterProvisioning(req.Context(), req.Millis)
	return nil
}

// persist saves the credentials, retrying once.
func (m *Machine) persist(now uint64) bool {
	err := m.Store.Save(m.creds)
	if err != nil {
		glog.Warningf("provision: save credentials: %v, retrying", err)
		err = m.Store.Save(m.creds)
	}
	if err != nil {
		glog.Errorf("provision: save credentials: %v", err)
		m.send(protocol.TypeError, &protocol.ErrorData{
			ErrorCode:    protocol.CodeStorageFailed,
			ErrorMessage: "Failed to save credentials",
			Details:      err.Error(),
		})
		return false
	}
	m.persisted = true
	return true
}

func (m *Machine) setCreds(creds link.Credentials, persisted bool) {
	m.lock.Lock()
	m.creds = creds
	m.lock.Unlock()
	m.persisted = persisted
}

func (m *Machine) transition(to State) {
	m.lock.Lock()
	from := m.state
	m.state = to
	m.lock.Unlock()
	glog.Infof("provision: %s -> %s", from, to)
	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
}

func (m *Machine) status(now uint64, status, phase, message, address string) {
	m.send(protocol.TypeSetupStatus, &protocol.SetupStatus{
		Status:    status,
		Phase:     phase,
		Message:   message,
		Timestamp: now,
		IPAddress: address,
	})
}

func (m *Machine) send(msgType string, data interface{}) {
	err := m.Sender.Send(msgType, data)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrNotConnected):
		glog.V(2).Infof("provision: %s not sent, no transport connected", msgType)
	default:
		glog.Warningf("provision: send %s: %v", msgType, err)
	}
}

func (m *Machine) wake() {
	if m.wakeUp != nil {
		m.wakeUp()
	}
}

func failureMessage(reason string) string {
	switch reason {
	case "AUTH_REJECTED":
		return "Connection failed - check credentials"
	case "MODULE_ABSENT":
		return "WiFi module error"
	case "HARDWARE_FAULT":
		return "WiFi hardware fault"
	case "NETWORK_NOT_FOUND":
		return "Network not found"
	case "JOIN_TIMEOUT":
		return "Connection timeout"
	}
	return "Connection failed"
}

func sourceName(t transport.Transport) string {
	if t == nil {
		return "local"
	}
	return t.Name()
}
