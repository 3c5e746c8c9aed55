package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang/glog"
)

// DefaultDiscoverTimeout defines the default timeout value of discovery.
const DefaultDiscoverTimeout = 500 * time.Millisecond

// DeviceInfo is a discovered device.
type DeviceInfo struct {
	Ref  DeviceRef
	Meta Meta
}

// Discover collects the retained meta of online devices.
func Discover(ctx context.Context, q *Queue, timeout time.Duration) ([]DeviceInfo, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}
	resCh := make(chan DeviceInfo, 16)
	sub := q.Sub("+/+/"+TopicMeta, func(topic string, payload []byte) {
		items := strings.Split(topic, "/")
		if len(items) != 3 || len(payload) == 0 {
			return
		}
		info := DeviceInfo{Ref: DeviceRef{Type: items[0], ID: items[1]}}
		if err := json.Unmarshal(payload, &info.Meta); err != nil {
			glog.Warningf("mqtt: bad meta on %q: %v", topic, err)
		}
		select {
		case resCh <- info:
		case <-time.After(time.Second):
		}
	})
	defer sub.Close()

	var res []DeviceInfo
	expired := time.After(timeout)
	for {
		select {
		case info := <-resCh:
			res = append(res, info)
		case <-expired:
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// DeviceConn is the controller side of a device connection.
type DeviceConn struct {
	Queue *Queue
	Ref   DeviceRef
	sub   *Subscription
}

// Dial subscribes to the device messages; handler receives each frame.
func Dial(q *Queue, ref DeviceRef, handler func(pkt []byte)) *DeviceConn {
	conn := &DeviceConn{Queue: q, Ref: ref}
	conn.sub = q.Sub(ref.Topic(TopicMsg), func(_ string, payload []byte) {
		handler(payload)
	})
	return conn
}

// Send publishes a frame to the device.
func (c *DeviceConn) Send(pkt []byte) error {
	token := c.Queue.Pub(c.Ref.Topic(TopicCmd), pkt)
	token.Wait()
	return token.Error()
}

// Close stops receiving device messages.
func (c *DeviceConn) Close() error {
	return c.sub.Close()
}
