package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/devlink.go/pkg/link"
)

func TestRadioJoin(t *testing.T) {
	r := New(map[string]string{"Home": "secret123"})
	require.NoError(t, r.Present())

	_, err := r.Join(context.Background(), link.Credentials{NetworkID: "Home", Secret: "wrong"}, time.Second)
	require.True(t, errors.Is(err, link.ErrAuthRejected))
	require.False(t, r.LinkUp())

	_, err = r.Join(context.Background(), link.Credentials{NetworkID: "Cafe", Secret: "x"}, time.Second)
	require.True(t, errors.Is(err, link.ErrNetworkNotFound))

	info, err := r.Join(context.Background(), link.Credentials{NetworkID: "Home", Secret: "secret123"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "Home", info.NetworkID)
	require.NotEmpty(t, info.Address)
	require.True(t, r.LinkUp())
	require.Equal(t, 3, r.Joins())

	r.Drop()
	require.False(t, r.LinkUp())
}

func TestRadioTimeoutAndCancel(t *testing.T) {
	r := New(map[string]string{"Home": "secret123"})
	r.Latency = 50 * time.Millisecond
	creds := link.Credentials{NetworkID: "Home", Secret: "secret123"}

	_, err := r.Join(context.Background(), creds, 5*time.Millisecond)
	require.True(t, errors.Is(err, link.ErrJoinTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Join(ctx, creds, time.Second)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRadioFaults(t *testing.T) {
	r := New(nil)
	r.SetFault(link.ErrModuleAbsent)
	require.True(t, link.IsFatal(r.Present()))
	_, err := r.Join(context.Background(), link.Credentials{NetworkID: "x", Secret: "y"}, time.Second)
	require.True(t, link.IsFatal(err))

	r.SetFault(nil)
	r.AddNetwork("x", "y")
	r.FailNext(link.ErrJoinTimeout)
	_, err = r.Join(context.Background(), link.Credentials{NetworkID: "x", Secret: "y"}, time.Second)
	require.True(t, errors.Is(err, link.ErrJoinTimeout))
	_, err = r.Join(context.Background(), link.Credentials{NetworkID: "x", Secret: "y"}, time.Second)
	require.NoError(t, err)
}
