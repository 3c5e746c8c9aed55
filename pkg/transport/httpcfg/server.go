// Package httpcfg is an optional transport serving a small HTTP
// configuration interface on the local network. Requests are converted
// into envelopes for the dispatcher; replies reach WebSocket clients.
package httpcfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/enbility/zeroconf/v3"
	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/robotalks/devlink.go/pkg/envelope"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/protocol"
	"github.com/robotalks/devlink.go/pkg/transport"
	wspkt "github.com/robotalks/devlink.go/pkg/transport/network/websocket"
)

// Name is the transport name.
const Name = "http"

// mDNS registration of the configuration endpoint.
const (
	ServiceType = "_devlink._tcp"
	Domain      = "local."
)

// MaxMessageSize bounds POST bodies.
const MaxMessageSize = 4096

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>State: {{.Status.State}}{{if .Status.Link.Address}}, IP {{.Status.Link.Address}}{{end}}</p>
<form method="POST" action="/configure">
<label>SSID <input name="ssid" maxlength="31"></label>
<label>Password <input name="password" type="password" maxlength="63"></label>
<button type="submit">Connect</button>
</form>
</body></html>
`))

// Server implements transport.Transport over HTTP.
type Server struct {
	Addr string
	// DeviceName titles the index page.
	DeviceName string
	Status     protocol.StatusReader
	// Instance is the mDNS instance name. mDNS is off when empty.
	Instance string
	TXT      []string

	recv     transport.Receiver
	clients  map[*transport.Pipe]struct{}
	listener net.Listener
	lastID   uint64
	lock     sync.Mutex
}

// New creates a Server listening on addr.
func New(addr string, status protocol.StatusReader) *Server {
	return &Server{Addr: addr, DeviceName: "devlink", Status: status}
}

// Name implements Transport.
func (s *Server) Name() string { return Name }

// Activate implements Transport. It opens the listener.
func (s *Server) Activate(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener != nil {
		return nil
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("httpcfg listen: %w", err)
	}
	s.listener = l
	glog.Infof("httpcfg: listening on %s", l.Addr())
	return nil
}

// ListenAddr returns the bound address once activated.
func (s *Server) ListenAddr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsConnected implements Transport. It reports WebSocket clients.
func (s *Server) IsConnected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients) > 0
}

// Send implements Transport. The frame goes to every WebSocket client.
func (s *Server) Send(pkt []byte) error {
	s.lock.Lock()
	pipes := make([]*transport.Pipe, 0, len(s.clients))
	for p := range s.clients {
		pipes = append(pipes, p)
	}
	s.lock.Unlock()
	if len(pipes) == 0 {
		return transport.ErrNotConnected
	}
	var errs fx.AggregatedError
	for _, p := range pipes {
		errs.Add(p.WritePacket(pkt))
	}
	if err := errs.Aggregate(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	return nil
}

// OnReceive implements Transport.
func (s *Server) OnReceive(recv transport.Receiver) {
	s.lock.Lock()
	s.recv = recv
	s.lock.Unlock()
}

func (s *Server) deliver(pkt []byte) {
	s.lock.Lock()
	recv := s.recv
	s.lock.Unlock()
	if recv != nil {
		recv(pkt)
	}
}

func (s *Server) inject(msgType string, data envelope.Data) error {
	s.lock.Lock()
	s.lastID++
	id := fmt.Sprintf("http-%d", s.lastID)
	s.lock.Unlock()
	pkt, err := envelope.JSON.Encode(&envelope.Envelope{Type: msgType, ID: id, Data: data})
	if err != nil {
		return err
	}
	s.deliver(pkt)
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/configure", s.handleConfigure)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ping", s.handlePing)
	mux.Handle("/ws", websocket.Handler(s.serveWS))
	return mux
}

// Run implements Runnable. It serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Activate(ctx); err != nil {
		return err
	}
	l := s.listener
	if s.Instance != "" {
		port := l.Addr().(*net.TCPAddr).Port
		mdns, err := zeroconf.Register(s.Instance, ServiceType, Domain, port, s.TXT, nil)
		if err != nil {
			glog.Warningf("httpcfg: mDNS register: %v", err)
		} else {
			glog.Infof("httpcfg: advertised %s.%s%s port %d", s.Instance, ServiceType, Domain, port)
			defer mdns.Shutdown()
		}
	}
	srv := &http.Server{Handler: s.Handler()}
	err := fx.RunWithContextCloser(ctx, srv, func() error {
		return srv.Serve(l)
	})
	s.closeClients()
	s.lock.Lock()
	s.listener = nil
	s.lock.Unlock()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) closeClients() {
	s.lock.Lock()
	clients := s.clients
	s.clients = nil
	s.lock.Unlock()
	for p := range clients {
		p.Close()
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := struct {
		Name   string
		Status protocol.Connectivity
	}{Name: s.DeviceName}
	if s.Status != nil {
		data.Status = s.Status.Connectivity()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexPage.Execute(w, &data); err != nil {
		glog.Warningf("httpcfg: index: %v", err)
	}
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxMessageSize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ssid := r.PostFormValue("ssid")
	if ssid == "" {
		http.Error(w, "ssid required", http.StatusBadRequest)
		return
	}
	data := envelope.Data{"ssid": ssid, "securityType": "WPA2"}
	if password := r.PostFormValue("password"); password != "" {
		data["password"] = password
	}
	if pass := r.PostFormValue("pass"); pass != "" {
		data["pass"] = pass
	}
	if err := s.inject(protocol.TypeWiFiConfig, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	glog.Infof("httpcfg: configuration for %q from %s", ssid, r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Configuration received, connecting to %s\n", ssid)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	s.deliver(body)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status.Connectivity())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.inject(protocol.TypePing, envelope.Data{}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "PING queued\n")
}

func (s *Server) serveWS(conn *websocket.Conn) {
	pipe := transport.NewPipe(wspkt.New(conn), s.deliver)
	s.lock.Lock()
	if s.clients == nil {
		s.clients = make(map[*transport.Pipe]struct{})
	}
	s.clients[pipe] = struct{}{}
	s.lock.Unlock()
	glog.Infof("httpcfg: websocket client %s", conn.Request().RemoteAddr)

	err := pipe.Run(conn.Request().Context())
	glog.V(2).Infof("httpcfg: websocket client gone: %v", err)
	s.lock.Lock()
	delete(s.clients, pipe)
	s.lock.Unlock()
}
