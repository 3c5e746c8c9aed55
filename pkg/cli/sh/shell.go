// Package sh provides the interactive controller shell.
package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/transport/httpcfg"
	"github.com/robotalks/devlink.go/pkg/transport/network/mqtt"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool
	// Watch prints every envelope the device sends.
	Watch bool

	Shell   *ishell.Shell
	Config  *Config
	Session *Session

	queue *mqtt.Queue
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&DiscoverCmd,
		&BrowseCmd,
		&ConnectCmd,
		&BridgeCmd,
		&DisconnectCmd,
		&WatchCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Session == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// FormatInfo prints DeviceInfo into friendly string for display.
func FormatInfo(info mqtt.DeviceInfo) string {
	var w strings.Builder
	w.WriteString(info.Ref.Name())
	if info.Meta.Name != "" {
		fmt.Fprintf(&w, ": %s", info.Meta.Name)
	}
	if info.Meta.Address != "" {
		fmt.Fprintf(&w, " (%s)", info.Meta.Address)
	}
	return w.String()
}

// Print prints an envelope, in JSON when OutputJSON is set.
func (s *Shell) Print(c *ishell.Context, env *envelope.Envelope) {
	if s.OutputJSON {
		c.Println(FormatEnvelope(env))
		return
	}
	out, _ := json.Marshal(env.Data)
	c.Printf("%s %s\n", env.Type, out)
}

// Roundtrip sends a request and waits for the first envelope accepted by
// done. Envelopes of type ERROR always end the wait and are returned
// as error.
func Roundtrip(c *ishell.Context, msgType string, data interface{}, done func(*envelope.Envelope) bool) (*envelope.Envelope, error) {
	s := ShellFrom(c)
	if s.Session == nil {
		err := fmt.Errorf("not connected")
		c.Err(err)
		return nil, err
	}
	w := s.Session.Expect()
	defer w.Stop()
	if _, err := s.Session.Request(msgType, data); err != nil {
		c.Err(err)
		return nil, err
	}
	env, err := w.Next(s.Config.Timeout, func(env *envelope.Envelope) bool {
		return env.Type == protocol.TypeError || done(env)
	})
	if err != nil {
		c.Err(fmt.Errorf("%s: no reply in %v", msgType, s.Config.Timeout))
		return nil, err
	}
	if env.Type == protocol.TypeError {
		code, _ := env.Data.String("errorCode")
		msg, _ := env.Data.String("errorMessage")
		err = fmt.Errorf("%s: %s", code, msg)
		c.Err(err)
		return env, err
	}
	return env, nil
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// Queue returns the connected MQTT queue.
func (s *Shell) Queue() (*mqtt.Queue, error) {
	if s.queue != nil {
		return s.queue, nil
	}
	q, err := s.Config.NewQueue(context.TODO())
	if err != nil {
		return nil, err
	}
	s.queue = q
	return q, nil
}

// DiscoverDevices discovers devices on the MQTT broker.
func (s *Shell) DiscoverDevices(filter func(mqtt.DeviceInfo) bool) ([]mqtt.DeviceInfo, error) {
	q, err := s.Queue()
	if err != nil {
		return nil, err
	}
	infoList, err := mqtt.Discover(context.TODO(), q, mqtt.DefaultDiscoverTimeout)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		items := make([]mqtt.DeviceInfo, 0, len(infoList))
		for _, info := range infoList {
			if filter(info) {
				items = append(items, info)
			}
		}
		infoList = items
	}
	return infoList, nil
}

// SelectDevice discovers devices and asks for a choice.
func (s *Shell) SelectDevice(filter func(mqtt.DeviceInfo) bool) (*mqtt.DeviceInfo, error) {
	infoList, err := s.DiscoverDevices(filter)
	if err != nil {
		return nil, err
	}
	if len(infoList) == 0 {
		return nil, nil
	}
	var index int
	if len(infoList) > 1 {
		if !s.Interactive {
			return nil, fmt.Errorf("more than 1 devices discovered in non-interactive mode")
		}
		items := make([]string, len(infoList))
		for n, info := range infoList {
			items[n] = FormatInfo(info)
		}
		index = s.Shell.MultiChoice(items, "Which one to connect?")
	}
	return &infoList[index], nil
}

// Connect connects a device over MQTT.
func (s *Shell) Connect(ref mqtt.DeviceRef) error {
	q, err := s.Queue()
	if err != nil {
		return err
	}
	s.attach(DialMQTT(q, ref))
	return nil
}

// ConnectBridge connects the BLE UART bridge of a device.
func (s *Shell) ConnectBridge(addr string) error {
	codec, err := s.Config.Codec()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.Timeout)
	defer cancel()
	session, err := DialBridge(ctx, addr, codec)
	if err != nil {
		return err
	}
	s.attach(session)
	return nil
}

func (s *Shell) attach(session *Session) {
	s.Disconnect()
	session.OnEnvelope = func(env *envelope.Envelope) {
		if s.Watch {
			s.Shell.Printf("\n%s\n", FormatEnvelope(env))
		}
	}
	s.Session = session
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", session.Name))
}

// Disconnect disconnects current device.
func (s *Shell) Disconnect() {
	if s.Session != nil {
		s.Session.Close()
		s.Session = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect {
		var err error
		switch {
		case s.Config.BridgeAddr != "":
			err = s.ConnectBridge(s.Config.BridgeAddr)
		case s.Config.Ref.IsValid():
			err = s.Connect(s.Config.Ref)
		}
		if err != nil {
			log.Fatalf("connect failed: %v", err)
		}
	}
	defer func() {
		s.Disconnect()
		if s.queue != nil {
			s.queue.Close()
		}
	}()

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// DiscoverCmd discovers devices on the MQTT broker.
	DiscoverCmd = ishell.Cmd{
		Name:    "discover",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			infoList, err := s.DiscoverDevices(nil)
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				if len(infoList) == 0 {
					// in case infoList is nil, make it empty slice.
					infoList = []mqtt.DeviceInfo{}
				}
				out, err := json.Marshal(infoList)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			if len(infoList) == 0 {
				c.Println("No devices found")
				return
			}
			for _, info := range infoList {
				c.Println(FormatInfo(info))
			}
		},
	}

	// BrowseCmd browses configuration servers over mDNS.
	BrowseCmd = ishell.Cmd{
		Name:    "browse",
		Aliases: []string{"b"},
		Help:    "[SECONDS]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			timeout := httpcfg.DefaultBrowseTimeout
			if len(c.Args) > 0 {
				d, err := time.ParseDuration(c.Args[0] + "s")
				if err != nil {
					c.Err(fmt.Errorf("Invalid SECONDS: %v", err))
					return
				}
				timeout = d
			}
			endpoints, err := httpcfg.Browse(context.TODO(), timeout)
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				if len(endpoints) == 0 {
					endpoints = []httpcfg.Endpoint{}
				}
				out, err := json.Marshal(endpoints)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			if len(endpoints) == 0 {
				c.Println("No configuration servers found")
				return
			}
			for _, ep := range endpoints {
				c.Printf("%s: %s\n", ep.Instance, ep.URL())
			}
		},
	}

	// ConnectCmd connects a device over MQTT.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "TYPE ID",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var ref mqtt.DeviceRef
			if len(c.Args) >= 2 {
				ref.Type, ref.ID = c.Args[0], c.Args[1]
			} else {
				var filter func(mqtt.DeviceInfo) bool
				if len(c.Args) == 1 {
					filter = func(info mqtt.DeviceInfo) bool {
						return info.Ref.Type == c.Args[0]
					}
				}
				info, err := s.SelectDevice(filter)
				if err != nil {
					c.Err(err)
					return
				}
				if info == nil {
					c.Err(fmt.Errorf("no device discovered"))
					return
				}
				ref = info.Ref
			}
			if err := s.Connect(ref); err != nil {
				c.Err(err)
			}
		},
	}

	// BridgeCmd connects the BLE UART bridge of a device.
	BridgeCmd = ishell.Cmd{
		Name: "bridge",
		Help: "[ADDR]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			addr := s.Config.BridgeAddr
			if len(c.Args) > 0 {
				addr = c.Args[0]
			}
			if addr == "" {
				c.Err(fmt.Errorf("ADDR required"))
				return
			}
			if err := s.ConnectBridge(addr); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd disconnects current device.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}

	// WatchCmd toggles printing of unsolicited envelopes.
	WatchCmd = ishell.Cmd{
		Name:    "watch",
		Aliases: []string{"w"},
		Help:    "[on|off]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			s.Watch = !s.Watch
			if len(c.Args) > 0 {
				s.Watch = c.Args[0] == "on"
			}
			c.Printf("watch %v\n", s.Watch)
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(NewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
