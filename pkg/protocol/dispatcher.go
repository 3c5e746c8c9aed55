package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/devlink.go/pkg/envelope"
	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/transport"
)

// Handler handles one type of inbound envelope.
type Handler interface {
	HandleMessage(*Request) error
}

// HandlerFunc is the func form of Handler.
type HandlerFunc func(*Request) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(req *Request) error {
	return f(req)
}

// Error is returned by handlers to answer with a specific error code.
type Error struct {
	Code    string
	Message string
	Details string
}

// NewError creates an Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return e.Code + ": " + e.Message
}

// Request is an inbound envelope being dispatched.
type Request struct {
	*envelope.Envelope
	// Source is the transport the frame arrived on.
	Source transport.Transport
	// Millis is the device time of the dispatching iteration.
	Millis uint64

	ctx        context.Context
	dispatcher *Dispatcher
}

// Context returns the context of the dispatching iteration.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Send broadcasts to every connected transport.
func (r *Request) Send(msgType string, data interface{}) error {
	return r.dispatcher.Send(msgType, data)
}

// Reply sends to the source transport only.
func (r *Request) Reply(msgType string, data interface{}) error {
	return r.dispatcher.SendTo(r.Source, msgType, data)
}

type binding struct {
	transport transport.Transport
	codec     envelope.Codec
}

// Dispatcher decodes inbound frames, routes them to handlers, and frames
// outbound envelopes for every attached transport.
type Dispatcher struct {
	Clock fx.Clock

	handlers map[string]Handler
	bindings []binding
	lastID   uint64
	lock     sync.Mutex
}

// New creates a Dispatcher with the PING handler registered.
func New(clock fx.Clock) *Dispatcher {
	if clock == nil {
		clock = fx.NewBootClock()
	}
	d := &Dispatcher{Clock: clock, handlers: make(map[string]Handler)}
	d.Register(TypePing, HandlerFunc(handlePing))
	return d
}

// Register installs the handler for msgType, replacing any previous one.
func (d *Dispatcher) Register(msgType string, h Handler) *Dispatcher {
	d.lock.Lock()
	if _, exist := d.handlers[msgType]; exist {
		glog.Warningf("dispatcher: handler for %s replaced", msgType)
	}
	d.handlers[msgType] = h
	d.lock.Unlock()
	return d
}

// HandleFunc registers a func handler.
func (d *Dispatcher) HandleFunc(msgType string, fn func(*Request) error) *Dispatcher {
	return d.Register(msgType, HandlerFunc(fn))
}

// Attach adds a transport framed with codec, JSON when nil. Attaching
// the same transport again changes its codec.
func (d *Dispatcher) Attach(t transport.Transport, codec envelope.Codec) *Dispatcher {
	if codec == nil {
		codec = envelope.JSON
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	for n := range d.bindings {
		if d.bindings[n].transport == t {
			d.bindings[n].codec = codec
			return d
		}
	}
	d.bindings = append(d.bindings, binding{transport: t, codec: codec})
	return d
}

// Transports lists the attached transports.
func (d *Dispatcher) Transports() []transport.Transport {
	d.lock.Lock()
	defer d.lock.Unlock()
	ts := make([]transport.Transport, 0, len(d.bindings))
	for _, b := range d.bindings {
		ts = append(ts, b.transport)
	}
	return ts
}

// HandleInbound decodes and dispatches one frame from src. Decode errors
// and unknown types are answered with ERROR on src only.
func (d *Dispatcher) HandleInbound(pkt []byte, src transport.Transport) {
	d.handle(context.Background(), d.Clock.Millis(), pkt, src)
}

func (d *Dispatcher) handle(ctx context.Context, millis uint64, pkt []byte, src transport.Transport) {
	env, err := d.codecFor(src).Decode(pkt)
	if err != nil {
		glog.Warningf("dispatcher: %s: %v", sourceName(src), err)
		d.replyError(src, &Error{Code: CodeInvalidMessage, Message: "Invalid message format", Details: err.Error()})
		return
	}
	if glog.V(2) {
		glog.Infof("RCV %s %s", sourceName(src), env)
	}
	d.lock.Lock()
	h := d.handlers[env.Type]
	d.lock.Unlock()
	if h == nil {
		glog.Warningf("dispatcher: unknown message type %q", env.Type)
		d.replyError(src, &Error{Code: CodeUnknownType, Message: "Unknown message type", Details: env.Type})
		return
	}
	err = h.HandleMessage(&Request{Envelope: env, Source: src, Millis: millis, ctx: ctx, dispatcher: d})
	if err == nil {
		return
	}
	var protoErr *Error
	if !errors.As(err, &protoErr) {
		protoErr = &Error{Code: CodeHandlerError, Message: "Handler failed", Details: err.Error()}
	}
	glog.Warningf("dispatcher: %s %s: %v", env.Type, env.ID, err)
	d.replyError(src, protoErr)
}

func (d *Dispatcher) replyError(src transport.Transport, e *Error) {
	data := &ErrorData{ErrorCode: e.Code, ErrorMessage: e.Message, Details: e.Details}
	if err := d.SendTo(src, TypeError, data); err != nil {
		glog.Warningf("dispatcher: ERROR %s not delivered: %v", e.Code, err)
	}
}

// Send frames one envelope and writes it to every connected transport.
// It returns transport.ErrNotConnected when none is connected.
func (d *Dispatcher) Send(msgType string, data interface{}) error {
	env, err := d.newEnvelope(msgType, data)
	if err != nil {
		return err
	}
	var errs fx.AggregatedError
	sent := 0
	for _, b := range d.snapshot() {
		if !b.transport.IsConnected() {
			continue
		}
		sent++
		errs.Add(d.write(b, env))
	}
	if sent == 0 {
		glog.V(2).Infof("dispatcher: %s dropped, no transport connected", msgType)
		return transport.ErrNotConnected
	}
	return errs.Aggregate()
}

// SendTo frames one envelope for t only. A nil t broadcasts.
func (d *Dispatcher) SendTo(t transport.Transport, msgType string, data interface{}) error {
	if t == nil {
		return d.Send(msgType, data)
	}
	env, err := d.newEnvelope(msgType, data)
	if err != nil {
		return err
	}
	b := binding{transport: t, codec: d.codecFor(t)}
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	return d.write(b, env)
}

func (d *Dispatcher) write(b binding, env *envelope.Envelope) error {
	pkt, err := b.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", env.Type, b.transport.Name(), err)
	}
	if err := b.transport.Send(pkt); err != nil {
		glog.Warningf("dispatcher: send %s on %s: %v", env.Type, b.transport.Name(), err)
		return err
	}
	if glog.V(2) {
		glog.Infof("SND %s %s", b.transport.Name(), env)
	}
	return nil
}

func (d *Dispatcher) newEnvelope(msgType string, data interface{}) (*envelope.Envelope, error) {
	var payload envelope.Data
	switch v := data.(type) {
	case nil:
		payload = envelope.Data{}
	case envelope.Data:
		payload = v
	default:
		var err error
		if payload, err = envelope.DataOf(v); err != nil {
			return nil, fmt.Errorf("%s payload: %w", msgType, err)
		}
	}
	d.lock.Lock()
	d.lastID++
	id := d.lastID
	d.lock.Unlock()
	return &envelope.Envelope{
		Type:      msgType,
		ID:        fmt.Sprintf("%d", id),
		Data:      payload,
		Timestamp: d.Clock.Millis(),
	}, nil
}

func (d *Dispatcher) snapshot() []binding {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]binding(nil), d.bindings...)
}

func (d *Dispatcher) codecFor(t transport.Transport) envelope.Codec {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, b := range d.bindings {
		if b.transport == t {
			return b.codec
		}
	}
	return envelope.JSON
}

// Control implements Controller. It dispatches the frames polled in
// this iteration.
func (d *Dispatcher) Control(cc fx.ControlContext) error {
	cc.Messages().ProcessMessages(fx.ProcessMessageFunc(func(mc fx.MessageProcessingContext) {
		if in, ok := mc.CurrentMessage().(*transport.Inbound); ok {
			mc.MessageTaken()
			d.handle(cc.Context(), cc.Millis(), in.Packet, in.Source)
		}
	}))
	return nil
}

// AddToLoop implements LoopAdder.
func (d *Dispatcher) AddToLoop(l *fx.Loop) {
	l.AddController(fx.PrLvDispatch, d)
}

func handlePing(req *Request) error {
	orig, ok := req.Data.Uint64("timestamp")
	if !ok {
		orig = req.Timestamp
	}
	return req.Send(TypePong, &Pong{OriginalTimestamp: orig, ResponseTimestamp: req.Millis})
}

func sourceName(t transport.Transport) string {
	if t == nil {
		return "local"
	}
	return t.Name()
}
