package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/devlink.go/pkg/envelope"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/link/sim"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/provision"
)

type fakePeripheral struct {
	advertised string
	notified   [][]byte
	handler    func([]byte)
}

func (p *fakePeripheral) Enable() error { return nil }
func (p *fakePeripheral) Advertise(name string, service uuid.UUID) error {
	p.advertised = name
	return nil
}
func (p *fakePeripheral) StopAdvertising() error { p.advertised = ""; return nil }
func (p *fakePeripheral) Connected() bool        { return true }
func (p *fakePeripheral) Notify(pkt []byte) error {
	p.notified = append(p.notified, pkt)
	return nil
}
func (p *fakePeripheral) SetWriteHandler(fn func([]byte)) { p.handler = fn }

func (p *fakePeripheral) phases(t *testing.T) []string {
	var phases []string
	for _, pkt := range p.notified {
		env, err := envelope.JSON.Decode(pkt)
		require.NoError(t, err)
		if env.Type == protocol.TypeSetupStatus {
			phase, _ := env.Data.String("phase")
			phases = append(phases, phase)
		}
	}
	return phases
}

func testConfig() *Config {
	conf := NewConfig()
	conf.DeviceName = "Board-1"
	conf.DeviceID = "d1"
	conf.BridgeAddr = ""
	conf.LoopInterval = time.Millisecond
	conf.Networks = map[string]string{"Home": "secret123"}
	return conf
}

func TestEnvProvisionsOverBridge(t *testing.T) {
	conf := testConfig()
	p := &fakePeripheral{}
	env, err := conf.NewEnvWith(sim.New(conf.Networks), p)
	require.NoError(t, err)
	defer env.Close()

	loop := fx.NewLoop().WithClock(fx.NewManualClock(1000)).Add(env)
	require.Equal(t, time.Millisecond, loop.Interval)
	ctx := context.Background()
	loop.Step(ctx)
	require.Equal(t, provision.Provisioning, env.Machine.State())
	require.Equal(t, "Board-1", p.advertised)

	p.handler([]byte(`{"type":"WIFI_CONFIG","id":"1","data":{"ssid":"Home","password":"secret123"}}`))
	deadline := time.Now().Add(5 * time.Second)
	for env.Machine.State() != provision.Connected {
		require.True(t, time.Now().Before(deadline), "not connected, state %s", env.Machine.State())
		loop.Step(ctx)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, []string{"ready", "ack", "connecting", "success"}, p.phases(t))
	require.Empty(t, p.advertised)

	creds, ok := env.Store.Load()
	require.True(t, ok)
	require.Equal(t, "Home", creds.NetworkID)
	require.Equal(t, "Home", env.Machine.Connectivity().NetworkID)
}

func TestEnvWithoutShortRange(t *testing.T) {
	conf := testConfig()
	env, err := conf.NewEnv()
	require.NoError(t, err)
	defer env.Close()
	require.Nil(t, env.BLE)
	require.Nil(t, env.HTTP)
	require.Nil(t, env.Machine.ShortRange)
	require.NotEmpty(t, env.SessionID)
	require.Equal(t, env.SessionID, env.Store.Session)
	require.Len(t, env.Dispatcher.Transports(), 1)
}

func TestEnvHTTPAndSQLite(t *testing.T) {
	conf := testConfig()
	conf.HTTPAddr = "127.0.0.1:0"
	conf.StoreBackend = StoreSQLite
	conf.StorePath = filepath.Join(t.TempDir(), "creds.db")
	env, err := conf.NewEnv()
	require.NoError(t, err)
	require.NotNil(t, env.HTTP)
	require.Len(t, env.Dispatcher.Transports(), 2)
	require.NoError(t, env.Close())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{name: "defaults", modify: func(*Config) {}, ok: true},
		{name: "no name", modify: func(c *Config) { c.DeviceName = "" }},
		{name: "zero attempts", modify: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "zero timeout", modify: func(c *Config) { c.AttemptTimeout = 0 }},
		{name: "negative delay", modify: func(c *Config) { c.RetryDelay = -time.Second }},
		{name: "zero delay", modify: func(c *Config) { c.RetryDelay = 0 }, ok: true},
		{name: "zero keepalive", modify: func(c *Config) { c.KeepaliveInterval = 0 }},
		{name: "unknown store", modify: func(c *Config) { c.StoreBackend = "flash" }},
		{name: "file without path", modify: func(c *Config) { c.StoreBackend = StoreFile }},
		{name: "file", modify: func(c *Config) { c.StoreBackend, c.StorePath = StoreFile, "/tmp/x" }, ok: true},
		{name: "bad codec", modify: func(c *Config) { c.BridgeCodec = "xml" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig()
			tc.modify(conf)
			if tc.ok {
				require.NoError(t, conf.Validate())
			} else {
				require.Error(t, conf.Validate())
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Kitchen
mqtt: mqtt://broker:1883/dev/
retryDelay: 2s
networks:
  Home: secret123
`), 0644))
	conf := testConfig()
	require.NoError(t, conf.LoadFile(path))
	require.Equal(t, "Kitchen", conf.DeviceName)
	require.Equal(t, "mqtt://broker:1883/dev/", conf.MQTTURL)
	require.Equal(t, 2*time.Second, conf.RetryDelay)
	require.Equal(t, "d1", conf.DeviceID)
	require.Equal(t, map[string]string{"Home": "secret123"}, conf.Networks)

	require.Error(t, conf.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.NoError(t, os.WriteFile(path, []byte("name: [\n"), 0644))
	require.Error(t, conf.LoadFile(path))
}

func TestNetworksValue(t *testing.T) {
	var networks map[string]string
	v := (*networksValue)(&networks)
	require.NoError(t, v.Set("Home=secret123, Office=pa=ss"))
	require.Equal(t, map[string]string{"Home": "secret123", "Office": "pa=ss"}, networks)
	require.Equal(t, "Home=***,Office=***", v.String())
	require.Error(t, v.Set("nosecret"))
	require.Error(t, v.Set("=x"))
}

func TestProvisionConfig(t *testing.T) {
	conf := testConfig()
	conf.MaxAttempts = 2
	cfg := conf.ProvisionConfig()
	require.Equal(t, "Board-1", cfg.DeviceName)
	require.Equal(t, "d1", cfg.DeviceID)
	require.Equal(t, 2, cfg.MaxAttempts)
	require.Equal(t, provision.DefaultVersion, cfg.Version)

	backend, path := splitStore("sqlite:/var/lib/devlink.db")
	require.Equal(t, StoreSQLite, backend)
	require.Equal(t, "/var/lib/devlink.db", path)
}
