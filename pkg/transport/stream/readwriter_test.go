package stream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type bufStream struct {
	bytes.Buffer
}

func TestReadWritePackets(t *testing.T) {
	var s bufStream
	rw := New(&s)
	require.NoError(t, rw.WritePacket([]byte("hello")))
	require.NoError(t, rw.WritePacket(nil))
	require.Equal(t, []byte{5, 0, 0, 0}, s.Bytes()[:4])

	pkt, err := rw.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "hello", string(pkt))
	pkt, err = rw.ReadPacket()
	require.NoError(t, err)
	require.Empty(t, pkt)
}

func TestOversizedPackets(t *testing.T) {
	var s bufStream
	rw := New(&s)
	rw.MaxPacketSize = 4

	var tooLarge *ErrPacketTooLarge
	require.True(t, errors.As(rw.WritePacket([]byte("hello")), &tooLarge))
	require.Equal(t, 5, tooLarge.Size)

	big := New(&s)
	big.MaxPacketSize = 16
	require.NoError(t, big.WritePacket([]byte("hello")))
	require.NoError(t, big.WritePacket([]byte("ok")))

	_, err := rw.ReadPacket()
	require.True(t, errors.As(err, &tooLarge))
	pkt, err := rw.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "ok", string(pkt))
}
