package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/devlink.go/pkg/link"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// CarrierName is the carrier name.
const CarrierName = "mqtt"

// Topic suffixes.
const (
	TopicCmd  = "cmd"
	TopicMsg  = "msg"
	TopicMeta = "meta"
)

// DeviceRef identifies a device on the broker.
type DeviceRef struct {
	Type string
	ID   string
}

// Name is the topic prefix of the device.
func (r DeviceRef) Name() string {
	return r.Type + "/" + r.ID
}

// IsValid tells whether both parts are set.
func (r DeviceRef) IsValid() bool {
	return r.Type != "" && r.ID != ""
}

// Topic returns the device topic with suffix.
func (r DeviceRef) Topic(suffix string) string {
	return r.Name() + "/" + suffix
}

// Meta is published retained on the meta topic while the device is online.
type Meta struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Address   string `json:"ipAddress,omitempty"`
}

// Carrier implements network.Carrier over MQTT.
type Carrier struct {
	Queue *Queue
	Ref   DeviceRef
	Meta  Meta

	recv    transport.Receiver
	sub     *Subscription
	started bool
	lock    sync.Mutex
}

// NewCarrier creates a Carrier. A will clears the retained meta when the
// device drops off unexpectedly.
func NewCarrier(brokerURL string, ref DeviceRef, meta Meta) (*Carrier, error) {
	if !ref.IsValid() {
		return nil, fmt.Errorf("device type and id must be specified")
	}
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(topicPrefix+ref.Topic(TopicMeta), nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("devlink:" + ref.Name())
	}
	c := &Carrier{Ref: ref, Meta: meta}
	c.Queue = NewQueue(opts, topicPrefix)
	c.Queue.OnConnect = func(*Queue) { c.publishMeta() }
	return c, nil
}

// Name implements Carrier.
func (c *Carrier) Name() string { return CarrierName }

// Start implements Carrier.
func (c *Carrier) Start(ctx context.Context, info link.Info) error {
	c.lock.Lock()
	c.Meta.Address = info.Address
	if c.sub == nil {
		c.sub = c.Queue.Sub(c.Ref.Topic(TopicCmd), c.handleCmd)
	}
	c.started = true
	c.lock.Unlock()
	if c.Queue.Client.IsConnected() {
		c.publishMeta()
		return nil
	}
	return c.Queue.Connect(ctx)
}

// Stop implements Carrier. The retained meta is cleared before leaving.
func (c *Carrier) Stop() error {
	c.lock.Lock()
	started := c.started
	c.started = false
	c.lock.Unlock()
	if !started {
		return nil
	}
	if c.Queue.Client.IsConnected() {
		c.Queue.PubWith(c.Ref.Topic(TopicMeta), nil, 1, true).Wait()
	}
	return c.Queue.Close()
}

// Connected implements Carrier.
func (c *Carrier) Connected() bool {
	return c.Queue.Client.IsConnected()
}

// Send implements Carrier.
func (c *Carrier) Send(pkt []byte) error {
	if !c.Connected() {
		return transport.ErrNotConnected
	}
	token := c.Queue.Pub(c.Ref.Topic(TopicMsg), pkt)
	token.Wait()
	return token.Error()
}

// OnReceive implements Carrier.
func (c *Carrier) OnReceive(recv transport.Receiver) {
	c.lock.Lock()
	c.recv = recv
	c.lock.Unlock()
}

func (c *Carrier) handleCmd(_ string, payload []byte) {
	c.lock.Lock()
	recv := c.recv
	c.lock.Unlock()
	if recv != nil {
		recv(payload)
	}
}

func (c *Carrier) publishMeta() {
	c.lock.Lock()
	meta, err := json.Marshal(&c.Meta)
	c.lock.Unlock()
	if err != nil {
		glog.Errorf("mqtt: encode meta: %v", err)
		return
	}
	c.Queue.PubWith(c.Ref.Topic(TopicMeta), meta, 1, true)
}
