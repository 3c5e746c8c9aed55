// Package sim provides a simulated network radio for host builds and tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/devlink.go/pkg/link"
)

// Radio simulates a network module joining a set of known networks.
type Radio struct {
	// Latency is how long a successful join takes.
	Latency time.Duration
	// Subnet is the first three octets handed out by the simulated DHCP.
	Subnet string
	RSSI   int

	networks map[string]string
	fault    error
	failures []error
	up       bool
	joins    int
	current  link.Info
	lock     sync.Mutex
}

// New creates a Radio aware of networks (network id to secret).
func New(networks map[string]string) *Radio {
	r := &Radio{
		Subnet:   "192.168.4",
		RSSI:     -52,
		networks: make(map[string]string),
	}
	for id, secret := range networks {
		r.networks[id] = secret
	}
	return r
}

// AddNetwork makes a network visible.
func (r *Radio) AddNetwork(id, secret string) {
	r.lock.Lock()
	r.networks[id] = secret
	r.lock.Unlock()
}

// SetFault makes Present and Join fail with err, e.g. link.ErrModuleAbsent.
func (r *Radio) SetFault(err error) {
	r.lock.Lock()
	r.fault = err
	r.lock.Unlock()
}

// FailNext makes the next joins fail with the errors in order.
func (r *Radio) FailNext(errs ...error) {
	r.lock.Lock()
	r.failures = append(r.failures, errs...)
	r.lock.Unlock()
}

// Drop simulates losing the link.
func (r *Radio) Drop() {
	r.lock.Lock()
	r.up = false
	r.lock.Unlock()
	glog.Info("sim: link dropped")
}

// Joins counts join attempts.
func (r *Radio) Joins() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.joins
}

// Present implements link.Radio.
func (r *Radio) Present() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.fault
}

// Join implements link.Radio.
func (r *Radio) Join(ctx context.Context, creds link.Credentials, timeout time.Duration) (link.Info, error) {
	r.lock.Lock()
	r.joins++
	n := r.joins
	fault := r.fault
	var injected error
	if len(r.failures) > 0 {
		injected, r.failures = r.failures[0], r.failures[1:]
	}
	secret, known := r.networks[creds.NetworkID]
	latency := r.Latency
	r.lock.Unlock()

	if fault != nil {
		return link.Info{}, fault
	}
	if timeout > 0 && latency > timeout {
		latency = timeout
		injected = link.ErrJoinTimeout
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return link.Info{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return link.Info{}, err
	}

	switch {
	case injected != nil:
		return link.Info{}, injected
	case !known:
		return link.Info{}, fmt.Errorf("%q: %w", creds.NetworkID, link.ErrNetworkNotFound)
	case secret != creds.Secret:
		return link.Info{}, fmt.Errorf("%q: %w", creds.NetworkID, link.ErrAuthRejected)
	}

	info := link.Info{
		NetworkID: creds.NetworkID,
		Address:   fmt.Sprintf("%s.%d", r.Subnet, 100+n%100),
		Gateway:   r.Subnet + ".1",
		MAC:       "02:00:00:00:00:01",
		RSSI:      r.RSSI,
	}
	r.lock.Lock()
	r.up, r.current = true, info
	r.lock.Unlock()
	return info, nil
}

// LinkUp implements link.Radio.
func (r *Radio) LinkUp() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.up
}

// Leave implements link.Radio.
func (r *Radio) Leave() error {
	r.lock.Lock()
	r.up, r.current = false, link.Info{}
	r.lock.Unlock()
	return nil
}

// Info returns the current link.
func (r *Radio) Info() link.Info {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.current
}
