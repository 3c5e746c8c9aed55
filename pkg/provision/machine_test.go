package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/devlink.go/pkg/envelope"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/link/sim"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/store"
	"github.com/robotalks/devlink.go/pkg/transport"
)

type fakeShortRange struct {
	*transport.Loopback
	activations int
	advertising bool
	name        string
	lock        sync.Mutex
}

func (s *fakeShortRange) Activate(context.Context) error {
	s.lock.Lock()
	s.activations++
	s.lock.Unlock()
	return nil
}

func (s *fakeShortRange) Advertise(name string) error {
	s.lock.Lock()
	s.advertising, s.name = true, name
	s.lock.Unlock()
	return nil
}

func (s *fakeShortRange) Deactivate() error {
	s.lock.Lock()
	s.advertising = false
	s.lock.Unlock()
	return nil
}

func (s *fakeShortRange) Advertising() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.advertising
}

type fakeNetwork struct {
	*transport.Loopback
	radio link.Radio
}

func (n *fakeNetwork) Activate(context.Context) error { return n.radio.Present() }
func (n *fakeNetwork) IsConnected() bool              { return n.radio.LinkUp() }
func (n *fakeNetwork) LinkUp() bool                   { return n.radio.LinkUp() }
func (n *fakeNetwork) Leave() error                   { return n.radio.Leave() }

func (n *fakeNetwork) Join(ctx context.Context, creds link.Credentials, timeout time.Duration) (link.Info, error) {
	return n.radio.Join(ctx, creds, timeout)
}

func (n *fakeNetwork) Send(pkt []byte) error {
	if !n.radio.LinkUp() {
		return transport.ErrNotConnected
	}
	return n.Loopback.Send(pkt)
}

type mockRadio struct {
	mock.Mock
}

func (r *mockRadio) Present() error {
	return r.Called().Error(0)
}

func (r *mockRadio) Join(ctx context.Context, creds link.Credentials, timeout time.Duration) (link.Info, error) {
	args := r.Called(ctx, creds, timeout)
	return args.Get(0).(link.Info), args.Error(1)
}

func (r *mockRadio) LinkUp() bool {
	return r.Called().Bool(0)
}

func (r *mockRadio) Leave() error {
	return r.Called().Error(0)
}

type machineTestEnv struct {
	t       *testing.T
	clock   *fx.ManualClock
	slot    *store.MemorySlot
	store   *store.Store
	ble     *fakeShortRange
	net     *fakeNetwork
	machine *Machine
	loop    *fx.Loop
	history []State
}

func newMachineTestEnv(t *testing.T, radio link.Radio) *machineTestEnv {
	clock := fx.NewManualClock(0)
	env := &machineTestEnv{
		t:     t,
		clock: clock,
		slot:  store.NewMemorySlot(),
		ble:   &fakeShortRange{Loopback: transport.NewLoopback("ble")},
		net:   &fakeNetwork{Loopback: transport.NewLoopback("network"), radio: radio},
	}
	env.store = store.New(env.slot, "devlink-test", clock)
	d := protocol.New(clock).Attach(env.ble, nil).Attach(env.net, nil)
	env.machine = New(Config{
		DeviceName:     "devlink-test",
		DeviceID:       "d1",
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		RetryDelay:     5 * time.Second,
	}, env.net, env.store, d)
	env.machine.ShortRange = env.ble
	env.machine.SessionID = "s1"
	env.machine.OnTransition = func(from, to State) {
		env.history = append(env.history, to)
	}
	env.machine.Register(d)
	inbox := transport.NewInbox(0)
	inbox.Attach(env.ble, env.net)
	env.loop = fx.NewLoop().WithClock(clock).Add(inbox, env.machine, d)
	return env
}

func (e *machineTestEnv) step() {
	e.loop.Step(context.Background())
}

// runUntil steps the loop, advancing the clock by tick each iteration,
// until cond holds.
func (e *machineTestEnv) runUntil(tick time.Duration, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(e.t, time.Now().Before(deadline), "condition not reached, state %s", e.machine.State())
		e.clock.Advance(tick)
		e.step()
		time.Sleep(time.Millisecond)
	}
}

func (e *machineTestEnv) inState(s State) func() bool {
	return func() bool { return e.machine.State() == s }
}

func (e *machineTestEnv) inject(src *transport.Loopback, msgType string, data envelope.Data) {
	pkt, err := envelope.JSON.Encode(&envelope.Envelope{Type: msgType, ID: "r1", Data: data})
	require.NoError(e.t, err)
	src.Inject(pkt)
}

func (e *machineTestEnv) sent(lb *transport.Loopback) []*envelope.Envelope {
	var envs []*envelope.Envelope
	for _, pkt := range lb.Sent() {
		env, err := envelope.JSON.Decode(pkt)
		require.NoError(e.t, err)
		envs = append(envs, env)
	}
	return envs
}

func (e *machineTestEnv) saveStored(ssid, secret string) link.Credentials {
	creds, err := link.NewCredentials(ssid, secret)
	require.NoError(e.t, err)
	require.NoError(e.t, e.store.Save(creds))
	return creds
}

func ofType(envs []*envelope.Envelope, msgType string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range envs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func phases(envs []*envelope.Envelope) []string {
	var out []string
	for _, env := range ofType(envs, protocol.TypeSetupStatus) {
		phase, _ := env.Data.String("phase")
		out = append(out, phase)
	}
	return out
}

func TestProvisionThenPing(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123"})
	env := newMachineTestEnv(t, radio)

	env.step()
	require.Equal(t, Provisioning, env.machine.State())
	require.True(t, env.ble.Advertising())
	require.Equal(t, "devlink-test", env.ble.name)
	out := env.sent(env.ble.Loopback)
	require.Equal(t, []string{protocol.PhaseReady}, phases(out))
	info := ofType(out, protocol.TypeDeviceInfo)
	require.Len(t, info, 1)
	session, _ := info[0].Data.String("sessionId")
	require.Equal(t, "s1", session)
	require.Zero(t, radio.Joins())

	env.inject(env.ble.Loopback, protocol.TypeWiFiConfig, envelope.Data{"ssid": "Home", "password": "secret123", "securityType": "WPA2"})
	env.step()
	require.Equal(t, Connecting, env.machine.State())
	stored, ok := env.store.Load()
	require.True(t, ok)
	require.Equal(t, "secret123", stored.Secret)

	env.runUntil(time.Millisecond, env.inState(Connected))
	require.Equal(t, []State{Provisioning, Connecting, Connected}, env.history)
	require.False(t, env.ble.Advertising())

	out = env.sent(env.ble.Loopback)
	require.Equal(t, []string{protocol.PhaseAck, protocol.PhaseConnecting, protocol.PhaseSuccess}, phases(out))
	statuses := ofType(out, protocol.TypeSetupStatus)
	success := statuses[len(statuses)-1]
	addr, _ := success.Data.String("ipAddress")
	require.Equal(t, radio.Info().Address, addr)
	msg, _ := success.Data.String("message")
	require.Equal(t, "Connected to Home | IP: "+addr+" | RSSI: -52dBm", msg)
	status, _ := success.Data.String("status")
	require.Equal(t, protocol.StatusCompleted, status)
	wifi := ofType(out, protocol.TypeWiFiStatus)
	require.Len(t, wifi, 1)
	state, _ := wifi[0].Data.String("status")
	require.Equal(t, protocol.WiFiConnected, state)

	conn := env.machine.Connectivity()
	require.Equal(t, "Connected", conn.State)
	require.Equal(t, addr, conn.Link.Address)

	env.clock.Set(2000)
	env.net.Sent()
	env.inject(env.net.Loopback, protocol.TypePing, envelope.Data{"timestamp": 1000})
	env.step()
	pongs := ofType(env.sent(env.net.Loopback), protocol.TypePong)
	require.Len(t, pongs, 1)
	var pong protocol.Pong
	require.NoError(t, pongs[0].Data.Decode(&pong))
	require.Equal(t, uint64(1000), pong.OriginalTimestamp)
	require.GreaterOrEqual(t, pong.ResponseTimestamp, uint64(1000))
}

func TestStoredCredentialsRejected(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123"})
	env := newMachineTestEnv(t, radio)
	env.saveStored("Home", "outdated")

	env.runUntil(time.Second, env.inState(Provisioning))
	require.Equal(t, []State{Connecting, Failed, Provisioning}, env.history)
	require.Equal(t, 3, radio.Joins())
	require.False(t, env.machine.Credentials().Usable())
	_, ok := env.store.Load()
	require.False(t, ok)
	require.True(t, env.ble.Advertising())

	out := env.sent(env.ble.Loopback)
	p := phases(out)
	require.Equal(t, []string{protocol.PhaseConnecting, protocol.PhaseError, protocol.PhaseReady}, p)
	failed := ofType(out, protocol.TypeSetupStatus)[1]
	msg, _ := failed.Data.String("message")
	require.Equal(t, "Connection failed - check credentials", msg)
	require.Equal(t, "AUTH_REJECTED", env.machine.Connectivity().Reason)
}

func TestStoredCredentialsNeverProvision(t *testing.T) {
	radio := &mockRadio{}
	info := link.Info{NetworkID: "Home", Address: "10.0.0.7", RSSI: -40}
	radio.On("Present").Return(nil)
	radio.On("Join", mock.Anything, mock.MatchedBy(func(c link.Credentials) bool {
		return c.NetworkID == "Home" && c.Secret == "secret123"
	}), time.Second).Return(link.Info{}, link.ErrJoinTimeout).Once()
	radio.On("Join", mock.Anything, mock.Anything, time.Second).Return(info, nil).Once()
	radio.On("LinkUp").Return(true)

	env := newMachineTestEnv(t, radio)
	env.saveStored("Home", "secret123")
	env.runUntil(time.Second, env.inState(Connected))
	require.Equal(t, []State{Connecting, Connected}, env.history)
	require.Zero(t, env.ble.activations)
	require.Equal(t, info, env.machine.Connectivity().Link)
	radio.AssertExpectations(t)
}

func TestRetriesExhaustedKeepStoredRecord(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123"})
	radio.FailNext(link.ErrJoinTimeout, link.ErrJoinTimeout, link.ErrJoinTimeout)
	env := newMachineTestEnv(t, radio)
	creds := env.saveStored("Home", "secret123")

	env.runUntil(time.Second, env.inState(Provisioning))
	require.Equal(t, []State{Connecting, Failed, Provisioning}, env.history)
	require.Equal(t, "JOIN_TIMEOUT", env.machine.Connectivity().Reason)
	stored, ok := env.store.Load()
	require.True(t, ok)
	require.True(t, stored.Equal(creds))
}

func TestSupersedingCredentials(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123", "Office": "pw"})
	radio.Latency = 300 * time.Millisecond
	env := newMachineTestEnv(t, radio)
	env.step()

	env.inject(env.ble.Loopback, protocol.TypeWiFiConfig, envelope.Data{"ssid": "Home", "password": "secret123"})
	env.step()
	env.step()
	require.True(t, env.machine.pending)

	env.inject(env.ble.Loopback, protocol.TypeWiFiConfig, envelope.Data{"ssid": "Office", "pass": "pw"})
	env.runUntil(time.Millisecond, env.inState(Connected))
	require.Equal(t, "Office", env.machine.Connectivity().Link.NetworkID)
	require.NotContains(t, env.history, Failed)
	stored, ok := env.store.Load()
	require.True(t, ok)
	require.Equal(t, "Office", stored.NetworkID)
}

func TestLinkLossAndKeepalive(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123"})
	env := newMachineTestEnv(t, radio)
	env.saveStored("Home", "secret123")
	env.runUntil(time.Millisecond, env.inState(Connected))
	env.net.Sent()

	env.clock.Advance(DefaultKeepaliveInterval)
	env.step()
	pings := ofType(env.sent(env.net.Loopback), protocol.TypePing)
	require.Len(t, pings, 1)

	radio.Drop()
	env.step()
	require.Equal(t, Reconnecting, env.machine.State())
	env.runUntil(time.Millisecond, env.inState(Connected))
	require.Equal(t, []State{Connecting, Connected, Reconnecting, Connected}, env.history)
	require.Equal(t, 2, radio.Joins())
}

func TestReconnectRetriesExhausted(t *testing.T) {
	testCases := []struct {
		name        string
		breakLink   func(r *sim.Radio)
		wantHistory []State
		wantReason  string
		wantStored  bool
	}{
		{
			name: "timeouts keep the record",
			breakLink: func(r *sim.Radio) {
				r.FailNext(link.ErrJoinTimeout, link.ErrJoinTimeout, link.ErrJoinTimeout)
			},
			wantHistory: []State{Connecting, Connected, Reconnecting, Provisioning},
			wantReason:  "JOIN_TIMEOUT",
			wantStored:  true,
		},
		{
			name: "rejected secret clears the record",
			breakLink: func(r *sim.Radio) {
				r.AddNetwork("Home", "rotated")
			},
			wantHistory: []State{Connecting, Connected, Reconnecting, Failed, Provisioning},
			wantReason:  "AUTH_REJECTED",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			radio := sim.New(map[string]string{"Home": "secret123"})
			env := newMachineTestEnv(t, radio)
			env.saveStored("Home", "secret123")
			env.runUntil(time.Millisecond, env.inState(Connected))
			env.ble.Sent()

			tc.breakLink(radio)
			radio.Drop()
			env.runUntil(time.Second, env.inState(Provisioning))

			require.Equal(t, tc.wantHistory, env.history)
			require.Equal(t, tc.wantReason, env.machine.Connectivity().Reason)
			sent := env.sent(env.ble.Loopback)
			require.Equal(t, []string{"connecting", "error", "ready"}, phases(sent))
			statuses := ofType(sent, protocol.TypeWiFiStatus)
			require.Len(t, statuses, 1)
			status, _ := statuses[0].Data.String("status")
			require.Equal(t, protocol.WiFiFailed, status)
			msg, _ := statuses[0].Data.String("errorMessage")
			require.Equal(t, tc.wantReason, msg)

			_, ok := env.store.Load()
			require.Equal(t, tc.wantStored, ok)
			require.Equal(t, 4, radio.Joins())
		})
	}
}

func TestFatalHardwareHalts(t *testing.T) {
	radio := sim.New(nil)
	radio.SetFault(link.ErrModuleAbsent)
	env := newMachineTestEnv(t, radio)
	env.saveStored("Home", "secret123")

	for i := 0; i < 5; i++ {
		env.clock.Advance(10 * time.Second)
		env.step()
	}
	require.Equal(t, Failed, env.machine.State())
	require.Equal(t, []State{Failed}, env.history)
	require.True(t, env.ble.Advertising())
	out := env.sent(env.ble.Loopback)
	require.Equal(t, []string{protocol.PhaseError}, phases(out))

	env.inject(env.ble.Loopback, protocol.TypeWiFiConfig, envelope.Data{"ssid": "Home", "password": "x"})
	env.step()
	errs := ofType(env.sent(env.ble.Loopback), protocol.TypeError)
	require.Len(t, errs, 1)
	code, _ := errs[0].Data.String("errorCode")
	require.Equal(t, "MODULE_ABSENT", code)
	require.Equal(t, Failed, env.machine.State())
}

func TestInvalidCredentialsMessage(t *testing.T) {
	testCases := []struct {
		name string
		data envelope.Data
	}{
		{name: "no secret", data: envelope.Data{"ssid": "Home"}},
		{name: "null secrets", data: envelope.Data{"ssid": "Home", "password": "null", "pass": "null"}},
		{name: "no ssid", data: envelope.Data{"password": "secret123"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newMachineTestEnv(t, sim.New(nil))
			env.step()
			env.ble.Sent()
			env.inject(env.ble.Loopback, protocol.TypeWiFiConfig, tc.data)
			env.step()
			require.Equal(t, Provisioning, env.machine.State())
			out := env.sent(env.ble.Loopback)
			require.Equal(t, []string{protocol.PhaseError}, phases(out))
			errs := ofType(out, protocol.TypeError)
			require.Len(t, errs, 1)
			code, _ := errs[0].Data.String("errorCode")
			require.Equal(t, protocol.CodeInvalidCredentials, code)
		})
	}
}

func TestRestartProvisioning(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123"})
	env := newMachineTestEnv(t, radio)
	env.saveStored("Home", "secret123")
	env.runUntil(time.Millisecond, env.inState(Connected))

	env.inject(env.net.Loopback, protocol.TypeRestartProvisioning, envelope.Data{})
	env.step()
	require.Equal(t, Provisioning, env.machine.State())
	require.False(t, radio.LinkUp())
	require.False(t, env.machine.Credentials().Usable())
	_, ok := env.store.Load()
	require.False(t, ok)
	require.True(t, env.ble.Advertising())
}

func TestStorageFailureStillConnects(t *testing.T) {
	radio := sim.New(map[string]string{"Home": "secret123"})
	env := newMachineTestEnv(t, radio)
	env.slot.WriteHook = func([]byte) ([]byte, error) { return nil, errors.New("flash worn out") }
	env.step()

	env.inject(env.ble.Loopback, protocol.TypeWiFiConfig, envelope.Data{"ssid": "Home", "password": "secret123"})
	env.runUntil(time.Millisecond, env.inState(Connected))
	errs := ofType(env.sent(env.ble.Loopback), protocol.TypeError)
	require.NotEmpty(t, errs)
	code, _ := errs[0].Data.String("errorCode")
	require.Equal(t, protocol.CodeStorageFailed, code)
	_, ok := env.store.Load()
	require.False(t, ok)
	require.True(t, env.machine.Credentials().Usable())
}

func TestReadyOnCentralConnect(t *testing.T) {
	env := newMachineTestEnv(t, sim.New(nil))
	env.ble.SetConnected(false)
	env.step()
	env.step()
	require.Equal(t, Provisioning, env.machine.State())
	require.Empty(t, env.ble.Sent())

	env.ble.SetConnected(true)
	env.step()
	require.Equal(t, []string{protocol.PhaseReady}, phases(env.sent(env.ble.Loopback)))
	env.step()
	require.Empty(t, env.ble.Sent())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Reconnecting", Reconnecting.String())
	require.Equal(t, "Unknown", State(42).String())
}
