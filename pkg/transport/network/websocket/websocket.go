// Package websocket carries envelopes over a WebSocket connection to the
// controller, one binary or text message per frame.
package websocket

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// CarrierName is the carrier name.
const CarrierName = "websocket"

// ReadWriter implements PacketReadWriter.
type ReadWriter websocket.Conn

// New wraps websocket.Conn.
func New(conn *websocket.Conn) *ReadWriter {
	return (*ReadWriter)(conn)
}

// ReadPacket implements PacketReader.
func (p *ReadWriter) ReadPacket() (pkt []byte, err error) {
	err = websocket.Message.Receive((*websocket.Conn)(p), &pkt)
	return
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	return websocket.Message.Send((*websocket.Conn)(p), string(pkt))
}

// Close implements io.Closer.
func (p *ReadWriter) Close() error {
	return (*websocket.Conn)(p).Close()
}

// Carrier implements network.Carrier by dialing the controller.
type Carrier struct {
	URL    string
	Origin string

	recv   transport.Receiver
	pipe   *transport.Pipe
	cancel context.CancelFunc
	lock   sync.Mutex
}

// NewCarrier creates a Carrier dialing url.
func NewCarrier(url string) *Carrier {
	return &Carrier{URL: url, Origin: "http://localhost/"}
}

// Name implements Carrier.
func (c *Carrier) Name() string { return CarrierName }

// Start implements Carrier.
func (c *Carrier) Start(ctx context.Context, info link.Info) error {
	c.lock.Lock()
	if c.pipe != nil {
		c.lock.Unlock()
		return nil
	}
	c.lock.Unlock()

	cfg, err := websocket.NewConfig(c.URL, c.Origin)
	if err != nil {
		return err
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	pipe := transport.NewPipe(New(conn), c.deliver)
	runCtx, cancel := context.WithCancel(context.Background())
	c.lock.Lock()
	c.pipe, c.cancel = pipe, cancel
	c.lock.Unlock()
	glog.Infof("websocket: connected to %s from %s", c.URL, info.Address)

	go func() {
		err := pipe.Run(runCtx)
		glog.Infof("websocket: disconnected: %v", err)
		c.lock.Lock()
		if c.pipe == pipe {
			c.pipe, c.cancel = nil, nil
		}
		c.lock.Unlock()
	}()
	return nil
}

// Stop implements Carrier.
func (c *Carrier) Stop() error {
	c.lock.Lock()
	cancel := c.cancel
	c.pipe, c.cancel = nil, nil
	c.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connected implements Carrier.
func (c *Carrier) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pipe != nil
}

// Send implements Carrier.
func (c *Carrier) Send(pkt []byte) error {
	c.lock.Lock()
	pipe := c.pipe
	c.lock.Unlock()
	if pipe == nil {
		return transport.ErrNotConnected
	}
	return pipe.WritePacket(pkt)
}

// OnReceive implements Carrier.
func (c *Carrier) OnReceive(recv transport.Receiver) {
	c.lock.Lock()
	c.recv = recv
	c.lock.Unlock()
}

func (c *Carrier) deliver(pkt []byte) {
	c.lock.Lock()
	recv := c.recv
	c.lock.Unlock()
	if recv != nil {
		recv(pkt)
	}
}
