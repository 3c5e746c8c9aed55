package protocol

import "github.com/robotalks/devlink.go/pkg/link"

// Connectivity is a snapshot of the connection state.
type Connectivity struct {
	State       string    `json:"state"`
	Provisioned bool      `json:"provisioned"`
	NetworkID   string    `json:"ssid,omitempty"`
	Link        link.Info `json:"link"`
	Reason      string    `json:"reason,omitempty"`
}

// StatusReader is the read-only view of connectivity handed to
// collaborators. Only the provisioning machine changes it.
type StatusReader interface {
	Connectivity() Connectivity
}
