// Package stream frames packets over byte streams such as serial lines.
package stream

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxPacketSize bounds a single frame.
const DefaultMaxPacketSize = 512

// ErrPacketTooLarge is returned for frames exceeding MaxPacketSize.
type ErrPacketTooLarge struct {
	Size, Max int
}

// Error implements error.
func (e *ErrPacketTooLarge) Error() string {
	return fmt.Sprintf("packet of %d bytes exceeds %d", e.Size, e.Max)
}

// ReadWriter implements PacketReadWriter.
// Each packet is prefixed by 4-byte (little-endian) indicate the length.
type ReadWriter struct {
	io.ReadWriter
	MaxPacketSize int
}

// New creates a ReadWriter with io.ReadWriter.
func New(s io.ReadWriter) *ReadWriter {
	return &ReadWriter{ReadWriter: s, MaxPacketSize: DefaultMaxPacketSize}
}

func (p *ReadWriter) max() int {
	if p.MaxPacketSize <= 0 {
		return DefaultMaxPacketSize
	}
	return p.MaxPacketSize
}

// ReadPacket implements PacketReader. An oversized frame is consumed and
// reported so the stream stays in sync.
func (p *ReadWriter) ReadPacket() ([]byte, error) {
	var size uint32
	if err := binary.Read(p.ReadWriter, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if int64(size) > int64(p.max()) {
		if _, err := io.CopyN(io.Discard, p.ReadWriter, int64(size)); err != nil {
			return nil, err
		}
		return nil, &ErrPacketTooLarge{Size: int(size), Max: p.max()}
	}
	pkt := make([]byte, size)
	_, err := io.ReadFull(p.ReadWriter, pkt)
	return pkt, err
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	if len(pkt) > p.max() {
		return &ErrPacketTooLarge{Size: len(pkt), Max: p.max()}
	}
	buf := make([]byte, 4+len(pkt))
	binary.LittleEndian.PutUint32(buf, uint32(len(pkt)))
	copy(buf[4:], pkt)
	_, err := p.ReadWriter.Write(buf)
	return err
}

// Close closes the underlying stream if it is an io.Closer.
func (p *ReadWriter) Close() error {
	if closer, ok := p.ReadWriter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
