package sh

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/transport/network/mqtt"
)

// Config provides the options to reach devices.
type Config struct {
	Ref mqtt.DeviceRef

	// MQTTURL is the broker devices publish to,
	// e.g. mqtt://host:port/topic-prefix.
	MQTTURL string
	// BridgeAddr is the BLE UART bridge of a device.
	BridgeAddr  string
	BridgeCodec string
	// Timeout bounds waiting for a reply.
	Timeout time.Duration
}

var defaultConfig = Config{
	MQTTURL:     "mqtt://localhost:1883/devlink/",
	BridgeCodec: "json",
	Timeout:     time.Second,
}

func init() {
	if val := os.Getenv("DEVLINK_TYPE"); val != "" {
		defaultConfig.Ref.Type = val
	}
	if val := os.Getenv("DEVLINK_ID"); val != "" {
		defaultConfig.Ref.ID = val
	}
	if val := os.Getenv("DEVLINK_MQTT_URL"); val != "" {
		defaultConfig.MQTTURL = val
	}
	if val := os.Getenv("DEVLINK_BRIDGE"); val != "" {
		defaultConfig.BridgeAddr = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Ref.Type, "device-type", defaultConfig.Ref.Type, "Device type to connect.")
	flag.StringVar(&defaultConfig.Ref.ID, "device-id", defaultConfig.Ref.ID, "Device ID to connect.")
	flag.StringVar(&defaultConfig.MQTTURL, "mqtt", defaultConfig.MQTTURL, "MQTT broker URL.")
	flag.StringVar(&defaultConfig.BridgeAddr, "bridge", defaultConfig.BridgeAddr, "Connect the BLE UART bridge at this address.")
	flag.StringVar(&defaultConfig.BridgeCodec, "bridge-codec", defaultConfig.BridgeCodec, "Envelope codec on the bridge: json, proto or cbor.")
	flag.DurationVar(&defaultConfig.Timeout, "timeout", defaultConfig.Timeout, "Reply timeout.")
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// NewQueue connects the MQTT broker.
func (c *Config) NewQueue(ctx context.Context) (*mqtt.Queue, error) {
	q, err := mqtt.NewQueueFromURL(c.MQTTURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}
	if err := q.Connect(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Codec returns the bridge codec.
func (c *Config) Codec() (envelope.Codec, error) {
	return envelope.CodecByName(c.BridgeCodec)
}
