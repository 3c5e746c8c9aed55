package device

import (
	"github.com/denisbrodbeck/machineid"
)

// MachineID retrieves an ID identifying the machine, hashed with the
// application name so the raw machine ID is never published.
func MachineID() string {
	id, err := machineid.ProtectedID("devlink")
	if err != nil {
		panic(err)
	}
	return id[:16]
}
