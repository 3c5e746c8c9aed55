package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/devlink.go/pkg/envelope"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/transport"
)

type dispatcherTestEnv struct {
	clock *fx.ManualClock
	d     *Dispatcher
	ble   *transport.Loopback
	net   *transport.Loopback
}

func newDispatcherTestEnv() *dispatcherTestEnv {
	env := &dispatcherTestEnv{
		clock: fx.NewManualClock(5000),
		ble:   transport.NewLoopback("ble"),
		net:   transport.NewLoopback("network"),
	}
	env.d = New(env.clock)
	env.d.Attach(env.ble, nil).Attach(env.net, envelope.CBOR)
	return env
}

func decodeAll(t *testing.T, codec envelope.Codec, pkts [][]byte) []*envelope.Envelope {
	envs := make([]*envelope.Envelope, 0, len(pkts))
	for _, pkt := range pkts {
		env, err := codec.Decode(pkt)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func TestInvalidInboundAnsweredOnSource(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		code  string
	}{
		{name: "garbage", input: `not json`, code: CodeInvalidMessage},
		{name: "no type", input: `{"id":"1","data":{}}`, code: CodeInvalidMessage},
		{name: "no id", input: `{"type":"PING","data":{}}`, code: CodeInvalidMessage},
		{name: "no data", input: `{"type":"PING","id":"1"}`, code: CodeInvalidMessage},
		{name: "unknown type", input: `{"type":"TELEPORT","id":"1","data":{}}`, code: CodeUnknownType},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newDispatcherTestEnv()
			called := false
			env.d.HandleFunc("TELEPORT2", func(*Request) error { called = true; return nil })
			env.d.HandleInbound([]byte(tc.input), env.ble)
			require.False(t, called)
			require.Empty(t, env.net.Sent())
			replies := decodeAll(t, envelope.JSON, env.ble.Sent())
			require.Len(t, replies, 1)
			require.Equal(t, TypeError, replies[0].Type)
			code, _ := replies[0].Data.String("errorCode")
			require.Equal(t, tc.code, code)
			require.True(t, replies[0].Data.Has("errorMessage"))
			require.True(t, replies[0].Data.Has("details"))
		})
	}
}

func TestPingPong(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		orig  uint64
	}{
		{name: "data timestamp", input: `{"type":"PING","id":"7","data":{"timestamp":1000}}`, orig: 1000},
		{name: "envelope timestamp", input: `{"type":"PING","id":"7","data":{},"timestamp":900}`, orig: 900},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newDispatcherTestEnv()
			env.d.HandleInbound([]byte(tc.input), env.ble)
			for _, out := range [][]*envelope.Envelope{
				decodeAll(t, envelope.JSON, env.ble.Sent()),
				decodeAll(t, envelope.CBOR, env.net.Sent()),
			} {
				require.Len(t, out, 1)
				require.Equal(t, TypePong, out[0].Type)
				var pong Pong
				require.NoError(t, out[0].Data.Decode(&pong))
				require.Equal(t, tc.orig, pong.OriginalTimestamp)
				require.GreaterOrEqual(t, pong.ResponseTimestamp, pong.OriginalTimestamp)
			}
		})
	}
}

func TestSendFanOutAndIDs(t *testing.T) {
	env := newDispatcherTestEnv()
	require.NoError(t, env.d.Send(TypeSetupStatus, &SetupStatus{Status: StatusScanning, Phase: PhaseReady}))
	env.clock.Advance(10 * time.Millisecond)
	require.NoError(t, env.d.Send(TypeSetupStatus, &SetupStatus{Status: StatusScanning, Phase: PhaseReady}))

	onBLE := decodeAll(t, envelope.JSON, env.ble.Sent())
	onNet := decodeAll(t, envelope.CBOR, env.net.Sent())
	require.Len(t, onBLE, 2)
	require.Len(t, onNet, 2)
	require.Equal(t, "1", onBLE[0].ID)
	require.Equal(t, "2", onBLE[1].ID)
	for n := range onBLE {
		require.Equal(t, onBLE[n].ID, onNet[n].ID)
		require.Equal(t, onBLE[n].Timestamp, onNet[n].Timestamp)
	}
	require.Equal(t, onBLE[0].Data, onBLE[1].Data)
	require.Equal(t, onBLE[0].Type, onBLE[1].Type)
}

func TestSendSkipsDisconnected(t *testing.T) {
	env := newDispatcherTestEnv()
	env.net.SetConnected(false)
	require.NoError(t, env.d.Send(TypePing, nil))
	require.Len(t, env.ble.Sent(), 1)

	env.ble.SetConnected(false)
	err := env.d.Send(TypePing, nil)
	require.True(t, errors.Is(err, transport.ErrNotConnected))
}

func TestHandlerErrors(t *testing.T) {
	env := newDispatcherTestEnv()
	env.d.HandleFunc("A", func(*Request) error { return NewError(CodeInvalidCredentials, "bad") })
	env.d.HandleFunc("B", func(*Request) error { return errors.New("boom") })

	env.d.HandleInbound([]byte(`{"type":"A","id":"1","data":{}}`), env.ble)
	env.d.HandleInbound([]byte(`{"type":"B","id":"2","data":{}}`), env.ble)
	replies := decodeAll(t, envelope.JSON, env.ble.Sent())
	require.Len(t, replies, 2)
	code, _ := replies[0].Data.String("errorCode")
	require.Equal(t, CodeInvalidCredentials, code)
	code, _ = replies[1].Data.String("errorCode")
	require.Equal(t, CodeHandlerError, code)
	require.Empty(t, env.net.Sent())
}

func TestRequestReplyUsesSourceCodec(t *testing.T) {
	env := newDispatcherTestEnv()
	env.d.HandleFunc("ECHO", func(req *Request) error {
		return req.Reply("ECHOED", req.Data)
	})
	pkt, err := envelope.CBOR.Encode(&envelope.Envelope{Type: "ECHO", ID: "x", Data: envelope.Data{"k": "v"}})
	require.NoError(t, err)
	env.d.HandleInbound(pkt, env.net)
	require.Empty(t, env.ble.Sent())
	out := decodeAll(t, envelope.CBOR, env.net.Sent())
	require.Len(t, out, 1)
	v, _ := out[0].Data.String("k")
	require.Equal(t, "v", v)
}

func TestDispatchInLoop(t *testing.T) {
	env := newDispatcherTestEnv()
	inbox := transport.NewInbox(0)
	inbox.Attach(env.ble)
	l := fx.NewLoop().WithClock(env.clock).Add(inbox, env.d)

	env.ble.Inject([]byte(`{"type":"PING","id":"1","data":{"timestamp":1000}}`))
	l.Step(context.Background())
	out := decodeAll(t, envelope.JSON, env.ble.Sent())
	require.Len(t, out, 1)
	require.Equal(t, TypePong, out[0].Type)
	resp, _ := out[0].Data.Uint64("responseTimestamp")
	require.Equal(t, uint64(5000), resp)
}

func TestParseWiFiConfig(t *testing.T) {
	testCases := []struct {
		name   string
		data   envelope.Data
		ssid   string
		secret string
		ok     bool
	}{
		{name: "password", data: envelope.Data{"ssid": "Home", "password": "secret123"}, ssid: "Home", secret: "secret123", ok: true},
		{name: "pass", data: envelope.Data{"ssid": "Home", "pass": "p"}, ssid: "Home", secret: "p", ok: true},
		{name: "both prefers password", data: envelope.Data{"ssid": "Home", "password": "a", "pass": "b"}, ssid: "Home", secret: "a", ok: true},
		{name: "empty password", data: envelope.Data{"ssid": "Home", "password": "", "pass": "b"}, ssid: "Home", secret: "b", ok: true},
		{name: "null string password", data: envelope.Data{"ssid": "Home", "password": "null", "pass": "b"}, ssid: "Home", secret: "b", ok: true},
		{name: "null password", data: envelope.Data{"ssid": "Home", "password": nil, "pass": "b"}, ssid: "Home", secret: "b", ok: true},
		{name: "no secret", data: envelope.Data{"ssid": "Home"}},
		{name: "no ssid", data: envelope.Data{"password": "x"}},
		{name: "blank ssid", data: envelope.Data{"ssid": "  ", "password": "x"}},
		{name: "long ssid", data: envelope.Data{"ssid": "0123456789012345678901234567890123", "password": "x"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			creds, err := ParseWiFiConfig(tc.data)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, creds.Valid)
			require.Equal(t, tc.ssid, creds.NetworkID)
			require.Equal(t, tc.secret, creds.Secret)
		})
	}
}
