// Package device configures a device and wires its components into a Loop.
package device

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/provision"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config defines the device settings.
type Config struct {
	// DeviceName is advertised on the short-range transport.
	DeviceName string `yaml:"name"`
	DeviceType string `yaml:"type"`
	DeviceID   string `yaml:"id"`

	// MQTTURL is the broker of the MQTT carrier, e.g.
	// mqtt://host:port/topic-prefix. The carrier is off when empty.
	MQTTURL string `yaml:"mqtt"`
	// WebSocketURL is the controller endpoint of the WebSocket carrier.
	WebSocketURL string `yaml:"websocket"`
	// BridgeAddr is the listen address of the BLE UART bridge.
	BridgeAddr  string `yaml:"bridge"`
	BridgeCodec string `yaml:"bridgeCodec"`
	// HTTPAddr enables the HTTP configuration server.
	HTTPAddr string `yaml:"http"`
	MDNS     bool   `yaml:"mdns"`

	StoreBackend string `yaml:"store"`
	StorePath    string `yaml:"storePath"`

	MaxAttempts       int           `yaml:"maxAttempts"`
	AttemptTimeout    time.Duration `yaml:"attemptTimeout"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`
	LoopInterval      time.Duration `yaml:"loopInterval"`

	// Networks are visible to the simulated radio, network id to secret.
	Networks map[string]string `yaml:"networks"`
}

var defaultConfig = Config{
	DeviceName:        "devlink",
	DeviceType:        "devlink",
	BridgeAddr:        "127.0.0.1:7070",
	BridgeCodec:       envelope.JSON.Name(),
	StoreBackend:      StoreMemory,
	MaxAttempts:       provision.DefaultMaxAttempts,
	AttemptTimeout:    provision.DefaultAttemptTimeout,
	RetryDelay:        provision.DefaultRetryDelay,
	KeepaliveInterval: provision.DefaultKeepaliveInterval,
	LoopInterval:      20 * time.Millisecond,
}

func init() {
	if val := os.Getenv("DEVLINK_CONFIG"); val != "" {
		if err := defaultConfig.LoadFile(val); err != nil {
			log.Fatalln(err)
		}
	}
	if val := os.Getenv("DEVLINK_NAME"); val != "" {
		defaultConfig.DeviceName = val
	}
	if val := os.Getenv("DEVLINK_TYPE"); val != "" {
		defaultConfig.DeviceType = val
	}
	if val := os.Getenv("DEVLINK_ID"); val != "" {
		defaultConfig.DeviceID = val
	}
	if val := os.Getenv("DEVLINK_MQTT_URL"); val != "" {
		defaultConfig.MQTTURL = val
	}
	if val := os.Getenv("DEVLINK_WS_URL"); val != "" {
		defaultConfig.WebSocketURL = val
	}
	if val := os.Getenv("DEVLINK_BRIDGE"); val != "" {
		defaultConfig.BridgeAddr = val
	}
	if val := os.Getenv("DEVLINK_HTTP"); val != "" {
		defaultConfig.HTTPAddr = val
	}
	if val := os.Getenv("DEVLINK_STORE"); val != "" {
		defaultConfig.StoreBackend, defaultConfig.StorePath = splitStore(val)
	}
	if val := os.Getenv("DEVLINK_NETWORKS"); val != "" {
		if err := (*networksValue)(&defaultConfig.Networks).Set(val); err != nil {
			log.Fatalln(err)
		}
	}
}

// splitStore parses backend[:path].
func splitStore(val string) (string, string) {
	backend, path, _ := strings.Cut(val, ":")
	return backend, path
}

// SetupFlags sets up command line flags. The -config flag loads the file
// when it is parsed, so flags after it override the file.
func SetupFlags() {
	flag.Func("config", "Load device settings from a YAML file.", defaultConfig.LoadFile)
	flag.StringVar(&defaultConfig.DeviceName, "name", defaultConfig.DeviceName, "Advertised device name.")
	flag.StringVar(&defaultConfig.DeviceType, "device-type", defaultConfig.DeviceType, "Device type.")
	flag.StringVar(&defaultConfig.DeviceID, "device-id", defaultConfig.DeviceID, "Device ID, machine ID by default.")
	flag.StringVar(&defaultConfig.MQTTURL, "mqtt", defaultConfig.MQTTURL, "MQTT broker URL.")
	flag.StringVar(&defaultConfig.WebSocketURL, "ws", defaultConfig.WebSocketURL, "WebSocket controller URL.")
	flag.StringVar(&defaultConfig.BridgeAddr, "bridge", defaultConfig.BridgeAddr, "BLE UART bridge listen address, empty to disable.")
	flag.StringVar(&defaultConfig.BridgeCodec, "bridge-codec", defaultConfig.BridgeCodec, "Envelope codec on the bridge: json, proto or cbor.")
	flag.StringVar(&defaultConfig.HTTPAddr, "http", defaultConfig.HTTPAddr, "HTTP configuration server address.")
	flag.BoolVar(&defaultConfig.MDNS, "mdns", defaultConfig.MDNS, "Advertise the HTTP configuration server over mDNS.")
	flag.StringVar(&defaultConfig.StoreBackend, "store", defaultConfig.StoreBackend, "Credential store backend: memory, file or sqlite.")
	flag.StringVar(&defaultConfig.StorePath, "store-path", defaultConfig.StorePath, "Credential store path.")
	flag.IntVar(&defaultConfig.MaxAttempts, "attempts", defaultConfig.MaxAttempts, "Join attempts before giving up.")
	flag.DurationVar(&defaultConfig.AttemptTimeout, "attempt-timeout", defaultConfig.AttemptTimeout, "Timeout of a single join attempt.")
	flag.DurationVar(&defaultConfig.RetryDelay, "retry-delay", defaultConfig.RetryDelay, "Delay between join attempts.")
	flag.DurationVar(&defaultConfig.KeepaliveInterval, "keepalive", defaultConfig.KeepaliveInterval, "Keepalive period while connected.")
	flag.DurationVar(&defaultConfig.LoopInterval, "interval", defaultConfig.LoopInterval, "Loop tick interval.")
	flag.Var((*networksValue)(&defaultConfig.Networks), "networks", "Simulated networks as ssid=secret, comma separated.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	if defaultConfig.Networks != nil {
		conf.Networks = make(map[string]string, len(defaultConfig.Networks))
		for id, secret := range defaultConfig.Networks {
			conf.Networks[id] = secret
		}
	}
	return &conf
}

// LoadFile decodes a YAML file over c. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device name must be specified")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %v", c.AttemptTimeout)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %v", c.RetryDelay)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive must be positive, got %v", c.KeepaliveInterval)
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.StorePath == "" {
			return fmt.Errorf("store %q requires a path", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.StoreBackend)
	}
	if _, err := envelope.CodecByName(c.BridgeCodec); err != nil {
		return err
	}
	return nil
}

// ProvisionConfig derives the state machine settings.
func (c *Config) ProvisionConfig() provision.Config {
	cfg := provision.DefaultConfig()
	cfg.DeviceName = c.DeviceName
	cfg.DeviceID = c.DeviceID
	cfg.MaxAttempts = c.MaxAttempts
	cfg.AttemptTimeout = c.AttemptTimeout
	cfg.RetryDelay = c.RetryDelay
	cfg.KeepaliveInterval = c.KeepaliveInterval
	return cfg
}

type networksValue map[string]string

func (v *networksValue) String() string {
	if v == nil || *v == nil {
		return ""
	}
	items := make([]string, 0, len(*v))
	for id := range *v {
		items = append(items, id+"=***")
	}
	sort.Strings(items)
	return strings.Join(items, ",")
}

func (v *networksValue) Set(val string) error {
	if *v == nil {
		*v = make(map[string]string)
	}
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, secret, ok := strings.Cut(item, "=")
		if !ok || id == "" {
			return fmt.Errorf("invalid network %s, expect ssid=secret", strconv.Quote(item))
		}
		(*v)[id] = secret
	}
	return nil
}
