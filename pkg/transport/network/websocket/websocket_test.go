package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/transport"
)

func TestCarrierExchangesFrames(t *testing.T) {
	fromDevice := make(chan string, 1)
	server := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		rw := New(ws)
		if err := rw.WritePacket([]byte(`{"type":"PING"}`)); err != nil {
			return
		}
		pkt, err := rw.ReadPacket()
		if err == nil {
			fromDevice <- string(pkt)
		}
		<-time.After(100 * time.Millisecond)
	}))
	defer server.Close()

	c := NewCarrier("ws" + strings.TrimPrefix(server.URL, "http"))
	received := make(chan string, 1)
	c.OnReceive(func(pkt []byte) { received <- string(pkt) })
	require.False(t, c.Connected())
	require.True(t, errors.Is(c.Send([]byte("x")), transport.ErrNotConnected))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx, link.Info{Address: "10.0.0.2"}))
	require.True(t, c.Connected())
	require.Equal(t, `{"type":"PING"}`, <-received)
	require.NoError(t, c.Send([]byte(`{"type":"PONG"}`)))
	require.Equal(t, `{"type":"PONG"}`, <-fromDevice)

	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Stop())
}
