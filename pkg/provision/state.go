package provision

// State is the connection state of the device.
type State int

// Connection states.
const (
	Uninitialized State = iota
	Provisioning
	Connecting
	Connected
	Reconnecting
	Failed
)

var stateNames = [...]string{
	Uninitialized: "Uninitialized",
	Provisioning:  "Provisioning",
	Connecting:    "Connecting",
	Connected:     "Connected",
	Reconnecting:  "Reconnecting",
	Failed:        "Failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}
