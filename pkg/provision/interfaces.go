package provision

import (
	"context"
	"time"

	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// ShortRange is the provisioning transport.
type ShortRange interface {
	transport.Transport
	Advertise(name string) error
	Deactivate() error
}

// Network is the primary transport.
type Network interface {
	transport.Transport
	Join(ctx context.Context, creds link.Credentials, timeout time.Duration) (link.Info, error)
	LinkUp() bool
	Leave() error
}

// CredentialStore persists the credentials.
type CredentialStore interface {
	Load() (link.Credentials, bool)
	Save(link.Credentials) error
	Clear() error
}

// Sender broadcasts envelopes to connected transports.
type Sender interface {
	Send(msgType string, data interface{}) error
}
