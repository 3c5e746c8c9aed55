package transport

import (
	"context"
	"io"
	"sync"

	"github.com/golang/glog"
)

// PacketReader reads packets in bytes.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// PacketWriter writes packets in bytes.
type PacketWriter interface {
	WritePacket([]byte) error
}

// PacketReadWriter reads/writes packets in bytes.
type PacketReadWriter interface {
	PacketReader
	PacketWriter
}

// Pipe pumps packets from a PacketReadWriter to a Receiver and serializes
// writes. Transports built on a connection-oriented stream use one Pipe
// per attached peer.
type Pipe struct {
	ReadWriter PacketReadWriter
	Receiver   Receiver

	sendLock sync.Mutex
}

// NewPipe creates a Pipe.
func NewPipe(rw PacketReadWriter, recv Receiver) *Pipe {
	return &Pipe{ReadWriter: rw, Receiver: recv}
}

// WritePacket writes a single packet.
func (p *Pipe) WritePacket(pkt []byte) error {
	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	return p.ReadWriter.WritePacket(pkt)
}

// Run implements Runnable. It returns when reading fails or ctx is done.
func (p *Pipe) Run(ctx context.Context) error {
	defer p.Close()
	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				p.Close()
			case <-done:
			}
		}()
	}
	for {
		pkt, err := p.ReadWriter.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		glog.V(2).Infof("RCV %d bytes", len(pkt))
		if recv := p.Receiver; recv != nil {
			recv(pkt)
		}
	}
}

// Close implements io.Closer.
func (p *Pipe) Close() error {
	if closer, ok := p.ReadWriter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
