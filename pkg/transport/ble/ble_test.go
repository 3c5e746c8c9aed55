package ble

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/transport"
	"github.com/robotalks/devlink.go/pkg/transport/stream"
)

type fakePeripheral struct {
	enabled     bool
	advertised  string
	service     uuid.UUID
	connected   bool
	notified    [][]byte
	notifyErr   error
	handler     func([]byte)
	stopAdCalls int
}

func (p *fakePeripheral) Enable() error { p.enabled = true; return nil }
func (p *fakePeripheral) Advertise(name string, service uuid.UUID) error {
	p.advertised, p.service = name, service
	return nil
}
func (p *fakePeripheral) StopAdvertising() error { p.stopAdCalls++; return nil }
func (p *fakePeripheral) Connected() bool        { return p.connected }
func (p *fakePeripheral) Notify(pkt []byte) error {
	if p.notifyErr != nil {
		return p.notifyErr
	}
	p.notified = append(p.notified, pkt)
	return nil
}
func (p *fakePeripheral) SetWriteHandler(fn func([]byte)) { p.handler = fn }

func TestTransportLifecycle(t *testing.T) {
	p := &fakePeripheral{connected: true}
	tr := New(p)
	var received [][]byte
	tr.OnReceive(func(pkt []byte) { received = append(received, pkt) })

	require.False(t, tr.IsConnected())
	require.True(t, errors.Is(tr.Send([]byte("x")), transport.ErrNotConnected))
	require.True(t, errors.Is(tr.Advertise("Devlink"), transport.ErrNotConnected))

	require.NoError(t, tr.Activate(context.Background()))
	require.True(t, p.enabled)
	require.NoError(t, tr.Advertise("Devlink"))
	require.Equal(t, "Devlink", p.advertised)
	require.Equal(t, DefaultServiceUUID, p.service)
	require.True(t, tr.Advertising())

	require.True(t, tr.IsConnected())
	require.NoError(t, tr.Send([]byte("hello")))
	require.Equal(t, [][]byte{[]byte("hello")}, p.notified)

	p.handler([]byte("in"))
	require.Equal(t, [][]byte{[]byte("in")}, received)

	p.notifyErr = errors.New("gatt")
	require.True(t, errors.Is(tr.Send([]byte("x")), transport.ErrSendFailed))

	require.NoError(t, tr.Deactivate())
	require.NoError(t, tr.Deactivate())
	require.Equal(t, 1, p.stopAdCalls)
	require.False(t, tr.Advertising())
	require.True(t, tr.IsConnected())

	p.connected = false
	require.True(t, errors.Is(tr.Send([]byte("x")), transport.ErrNotConnected))
}

func TestTransportControl(t *testing.T) {
	p := &fakePeripheral{}
	tr := New(p)
	clock := fx.NewManualClock(5)
	l := fx.NewLoop().WithClock(clock).Add(tr)
	require.NoError(t, tr.Activate(context.Background()))
	require.NoError(t, tr.Advertise("Devlink"))
	l.Step(context.Background())
	require.Equal(t, uint64(5), tr.lastAdvLog)
	clock.Advance(10 * time.Second)
	l.Step(context.Background())
	require.Equal(t, uint64(5), tr.lastAdvLog)
	clock.Advance(DefaultAdvertiseLogInterval)
	p.connected = true
	l.Step(context.Background())
	require.Equal(t, clock.Millis(), tr.lastAdvLog)
	require.True(t, tr.wasConn)
}

func TestListenerPeripheral(t *testing.T) {
	p := NewListenerPeripheral("127.0.0.1:0")
	defer p.Close()
	var lock sync.Mutex
	var got []string
	p.SetWriteHandler(func(pkt []byte) {
		lock.Lock()
		got = append(got, string(pkt))
		lock.Unlock()
	})
	require.NoError(t, p.Enable())
	require.NoError(t, p.Advertise("Devlink", DefaultServiceUUID))
	require.True(t, errors.Is(p.Notify([]byte("x")), transport.ErrNotConnected))

	conn, err := net.Dial("tcp", p.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, p.Connected, time.Second, 5*time.Millisecond)

	central := stream.New(conn)
	require.NoError(t, central.WritePacket([]byte(`{"type":"PING"}`)))
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Notify([]byte("pong")))
	pkt, err := central.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "pong", string(pkt))

	second, err := net.Dial("tcp", p.ListenAddr().String())
	require.NoError(t, err)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)
	second.Close()

	require.NoError(t, p.StopAdvertising())
	require.Nil(t, p.ListenAddr())
	require.True(t, p.Connected())

	conn.Close()
	require.Eventually(t, func() bool { return !p.Connected() }, time.Second, 5*time.Millisecond)
}

type pipeConn struct {
	net.Conn
}

func TestSerialPeripheral(t *testing.T) {
	device, host := net.Pipe()
	defer host.Close()
	p := NewSerialPeripheral(pipeConn{device})
	received := make(chan string, 1)
	p.SetWriteHandler(func(pkt []byte) { received <- string(pkt) })
	require.False(t, p.Connected())
	require.NoError(t, p.Enable())
	require.True(t, p.Connected())

	hostRW := stream.New(host)
	go hostRW.WritePacket([]byte("cfg"))
	require.Equal(t, "cfg", <-received)

	go p.Notify([]byte("status"))
	pkt, err := hostRW.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "status", string(pkt))

	linked := false
	p.Linked = func() bool { return linked }
	require.False(t, p.Connected())
	require.NoError(t, p.Close())
	require.Eventually(t, func() bool { linked = true; return !p.Connected() }, time.Second, 5*time.Millisecond)
}
