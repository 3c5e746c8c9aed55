package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/devlink.go/pkg/cli/sh"
	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/protocol"
)

// JoinTimeout bounds waiting for the outcome of WIFI_CONFIG.
const JoinTimeout = 90 * time.Second

func phaseOf(env *envelope.Envelope) string {
	if env.Type != protocol.TypeSetupStatus {
		return ""
	}
	phase, _ := env.Data.String("phase")
	return phase
}

var (
	// WiFiCmd sends credentials and follows the setup progress.
	WiFiCmd = ishell.Cmd{
		Name:    "wifi",
		Aliases: []string{"wf"},
		Help:    "SSID [PASSWORD]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("SSID required"))
				return
			}
			s := sh.ShellFrom(c)
			cfg := protocol.WiFiConfig{SSID: c.Args[0]}
			if len(c.Args) > 1 {
				cfg.Password = c.Args[1]
			}
			w := s.Session.Expect()
			defer w.Stop()
			if _, err := s.Session.Request(protocol.TypeWiFiConfig, &cfg); err != nil {
				c.Err(err)
				return
			}
			deadline := time.Now().Add(JoinTimeout)
			for {
				env, err := w.Next(time.Until(deadline), func(env *envelope.Envelope) bool {
					return env.Type == protocol.TypeError || phaseOf(env) != ""
				})
				if err != nil {
					c.Err(fmt.Errorf("no result in %v", JoinTimeout))
					return
				}
				s.Print(c, env)
				switch {
				case env.Type == protocol.TypeError:
					return
				case phaseOf(env) == protocol.PhaseSuccess, phaseOf(env) == protocol.PhaseError:
					return
				}
			}
		}),
	}

	// PingCmd measures the round trip to the device.
	PingCmd = ishell.Cmd{
		Name:    "ping",
		Aliases: []string{"p"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			start := time.Now()
			env, err := sh.Roundtrip(c, protocol.TypePing, envelope.Data{"timestamp": uint64(start.UnixMilli())}, func(env *envelope.Envelope) bool {
				return env.Type == protocol.TypePong
			})
			if err != nil {
				return
			}
			s := sh.ShellFrom(c)
			if s.OutputJSON {
				s.Print(c, env)
				return
			}
			device, _ := env.Data.Uint64("responseTimestamp")
			c.Printf("PONG in %v, device clock %dms\n", time.Since(start).Round(time.Microsecond), device)
		}),
	}

	// RestartCmd returns the device to provisioning.
	RestartCmd = ishell.Cmd{
		Name: "restart",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			env, err := sh.Roundtrip(c, protocol.TypeRestartProvisioning, nil, func(env *envelope.Envelope) bool {
				return phaseOf(env) == protocol.PhaseReady
			})
			if err == nil {
				sh.ShellFrom(c).Print(c, env)
			}
		}),
	}

	// SendCmd sends an arbitrary envelope and prints the first reply.
	SendCmd = ishell.Cmd{
		Name:    "send",
		Aliases: []string{"s"},
		Help:    "TYPE [JSON-DATA]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("TYPE required"))
				return
			}
			data := make(map[string]interface{})
			if len(c.Args) > 1 {
				if err := json.Unmarshal([]byte(c.Args[1]), &data); err != nil {
					c.Err(fmt.Errorf("Invalid JSON-DATA: %v", err))
					return
				}
			}
			s := sh.ShellFrom(c)
			w := s.Session.Expect()
			defer w.Stop()
			if _, err := s.Session.Request(c.Args[0], data); err != nil {
				c.Err(err)
				return
			}
			env, err := w.Next(s.Config.Timeout, func(*envelope.Envelope) bool { return true })
			if err == context.DeadlineExceeded {
				c.Println("no reply")
				return
			}
			s.Print(c, env)
		}),
	}
)

func init() {
	sh.AddCmds(
		&WiFiCmd,
		&PingCmd,
		&RestartCmd,
		&SendCmd,
	)
}
