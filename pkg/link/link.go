// Package link defines the radio level contract of the primary network link.
package link

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credential field bounds, in bytes.
const (
	MaxNetworkIDLen = 31
	MaxSecretLen    = 63
)

// Credentials are the network credentials acquired during provisioning.
type Credentials struct {
	NetworkID string `json:"ssid"`
	Secret    string `json:"password"`
	Valid     bool   `json:"isValid"`
}

// ErrInvalidCredentials indicates empty or oversized credential fields.
var ErrInvalidCredentials = errors.New("invalid credentials")

// NewCredentials validates the fields and returns valid Credentials.
func NewCredentials(networkID, secret string) (Credentials, error) {
	c := Credentials{NetworkID: networkID, Secret: secret, Valid: true}
	if err := c.Check(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Check verifies the field bounds.
func (c Credentials) Check() error {
	switch {
	case c.NetworkID == "":
		return fmt.Errorf("%w: empty ssid", ErrInvalidCredentials)
	case len(c.NetworkID) > MaxNetworkIDLen:
		return fmt.Errorf("%w: ssid longer than %d bytes", ErrInvalidCredentials, MaxNetworkIDLen)
	case c.Secret == "":
		return fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	case len(c.Secret) > MaxSecretLen:
		return fmt.Errorf("%w: password longer than %d bytes", ErrInvalidCredentials, MaxSecretLen)
	}
	return nil
}

// Usable tells whether the credentials can drive a join.
func (c Credentials) Usable() bool {
	return c.Valid && c.Check() == nil
}

// Clear wipes all fields.
func (c *Credentials) Clear() {
	*c = Credentials{}
}

// Equal compares the credential values, ignoring Valid.
func (c Credentials) Equal(o Credentials) bool {
	return c.NetworkID == o.NetworkID && c.Secret == o.Secret
}

// String never prints the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("{ssid=%q secret=%d bytes valid=%v}", c.NetworkID, len(c.Secret), c.Valid)
}

// Info describes an established link.
type Info struct {
	NetworkID string `json:"ssid"`
	Address   string `json:"ipAddress"`
	Gateway   string `json:"gateway,omitempty"`
	MAC       string `json:"mac,omitempty"`
	RSSI      int    `json:"signalStrength"`
}

// Join failure conditions. Radios wrap one of these so callers classify
// failures with errors.Is.
var (
	// ErrJoinTimeout is an attempt that did not complete in time.
	ErrJoinTimeout = errors.New("join timeout")
	// ErrAuthRejected is a network refusing the credentials.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrNetworkNotFound is a network that could not be seen.
	ErrNetworkNotFound = errors.New("network not found")
	// ErrModuleAbsent is a missing network module. Fatal.
	ErrModuleAbsent = errors.New("network module absent")
	// ErrHardwareFault is a broken network module. Fatal.
	ErrHardwareFault = errors.New("network hardware fault")
)

// IsFatal tells whether no retry can help.
func IsFatal(err error) bool {
	return errors.Is(err, ErrModuleAbsent) || errors.Is(err, ErrHardwareFault)
}

// IsCredentialRelated tells whether the credentials caused the failure.
func IsCredentialRelated(err error) bool {
	return errors.Is(err, ErrAuthRejected)
}

// ReasonCode maps a join failure to the code reported to the controller.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrModuleAbsent):
		return "MODULE_ABSENT"
	case errors.Is(err, ErrHardwareFault):
		return "HARDWARE_FAULT"
	case errors.Is(err, ErrAuthRejected):
		return "AUTH_REJECTED"
	case errors.Is(err, ErrNetworkNotFound):
		return "NETWORK_NOT_FOUND"
	case errors.Is(err, ErrJoinTimeout), errors.Is(err, context.DeadlineExceeded):
		return "JOIN_TIMEOUT"
	}
	return "JOIN_FAILED"
}

// Radio is the network module driver.
type Radio interface {
	// Present reports ErrModuleAbsent or ErrHardwareFault when the module
	// cannot be used at all.
	Present() error
	// Join associates with the network and acquires an address. It blocks
	// for at most timeout and honours ctx cancellation.
	Join(ctx context.Context, creds Credentials, timeout time.Duration) (Info, error)
	// LinkUp reports whether the link is still established.
	LinkUp() bool
	// Leave drops the link.
	Leave() error
}
