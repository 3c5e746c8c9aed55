package link

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCredentials(t *testing.T) {
	testCases := []struct {
		name   string
		ssid   string
		secret string
		ok     bool
	}{
		{name: "valid", ssid: "Home", secret: "secret123", ok: true},
		{name: "bounds", ssid: strings.Repeat("s", MaxNetworkIDLen), secret: strings.Repeat("p", MaxSecretLen), ok: true},
		{name: "empty ssid", secret: "x"},
		{name: "empty secret", ssid: "Home"},
		{name: "long ssid", ssid: strings.Repeat("s", MaxNetworkIDLen+1), secret: "x"},
		{name: "long secret", ssid: "Home", secret: strings.Repeat("p", MaxSecretLen+1)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewCredentials(tc.ssid, tc.secret)
			if !tc.ok {
				require.True(t, errors.Is(err, ErrInvalidCredentials))
				require.False(t, c.Usable())
				return
			}
			require.NoError(t, err)
			require.True(t, c.Usable())
			require.Equal(t, tc.ssid, c.NetworkID)
			require.Equal(t, tc.secret, c.Secret)
		})
	}
}

func TestCredentialsClearAndString(t *testing.T) {
	c, err := NewCredentials("Home", "secret123")
	require.NoError(t, err)
	require.NotContains(t, c.String(), "secret123")
	c.Clear()
	require.Equal(t, Credentials{}, c)
	require.False(t, c.Usable())
}

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("cyw43: %w", ErrModuleAbsent)
	require.True(t, IsFatal(wrapped))
	require.True(t, IsFatal(ErrHardwareFault))
	require.False(t, IsFatal(ErrAuthRejected))
	require.True(t, IsCredentialRelated(fmt.Errorf("join: %w", ErrAuthRejected)))
	require.False(t, IsCredentialRelated(ErrJoinTimeout))
	require.Equal(t, "AUTH_REJECTED", ReasonCode(wrapped2(ErrAuthRejected)))
	require.Equal(t, "JOIN_TIMEOUT", ReasonCode(ErrJoinTimeout))
	require.Equal(t, "MODULE_ABSENT", ReasonCode(wrapped))
	require.Equal(t, "JOIN_FAILED", ReasonCode(errors.New("other")))
	require.Empty(t, ReasonCode(nil))
}

func wrapped2(err error) error {
	return fmt.Errorf("attempt 1: %w", err)
}
