package httpcfg

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// DefaultBrowseTimeout bounds Browse when no timeout is given.
const DefaultBrowseTimeout = 2 * time.Second

// Endpoint is a configuration server found over mDNS.
type Endpoint struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []string `json:"addresses"`
	TXT      []string `json:"txt,omitempty"`
}

// URL returns the HTTP base URL of the endpoint.
func (e Endpoint) URL() string {
	host := e.Host
	if len(e.Addrs) > 0 {
		host = e.Addrs[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Browse collects the configuration servers answering within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	found := make(map[string]int)
	var res []Endpoint
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			ep := Endpoint{Instance: entry.Instance, Host: entry.HostName, Port: entry.Port, TXT: entry.Text}
			for _, ip := range entry.AddrIPv4 {
				ep.Addrs = append(ep.Addrs, ip.String())
			}
			for _, ip := range entry.AddrIPv6 {
				ep.Addrs = append(ep.Addrs, ip.String())
			}
			if n, ok := found[ep.Instance]; ok {
				res[n] = ep
				continue
			}
			found[ep.Instance] = len(res)
			res = append(res, ep)
		case _, ok := <-removed:
			if !ok {
				removed = nil
			}
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return res, err
			}
			errCh = nil
		case <-ctx.Done():
			return res, nil
		}
	}
}
