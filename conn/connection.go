package conn

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/kostja/cqlcore/cql"
	"github.com/kostja/cqlcore/evloop"
	"github.com/kostja/cqlcore/metric"
)

// State of a connection. Transitions only move forward; Disconnected is
// terminal.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateHandshake
	StateSupported
	StateReady
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateHandshake:
		return "handshake"
	case StateSupported:
		return "supported"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Observers are the collaborator-facing callbacks of a connection. All of
// them fire on the connection's owning loop; nil members are skipped.
type Observers struct {
	// Connected fires exactly once: with a nil error when the handshake
	// reaches Ready, otherwise with the failure.
	Connected func(c *Connection, err error)

	// RequestFinished fires after each pending request resolves from a
	// RESULT or ERROR frame. Requests failed by a connection close do not
	// fire it. Collaborators use it to reschedule backpressured work.
	RequestFinished func(c *Connection)

	// Keyspace fires when a RESULT of kind SET_KEYSPACE arrives.
	Keyspace func(c *Connection, keyspace string)

	// Prepared fires when a RESULT of kind PREPARED arrives, with the
	// original statement text and the server-assigned prepared id.
	Prepared func(c *Connection, err error, query string, preparedID []byte)

	// Event receives frames with a negative stream id: server-initiated
	// events outside any request/response pair.
	Event func(c *Connection, frame *cql.Frame)
}

const defaultCQLVersion = "3.0.0"

// Config carries per-connection settings. Zero values fall back to
// defaults.
type Config struct {
	Host Host

	// SSL, when non-nil, is the TLS engine the connection drives. The
	// connection owns it and closes it on teardown.
	SSL Session

	CQLVersion     string // CQL_VERSION sent in STARTUP, default "3.0.0"
	Compression    string // "", "snappy" or "lz4"
	MaxStreams     int    // in-flight request limit, default and max 128
	MaxFrameBody   int    // inbound body length bound
	ConnectTimeout time.Duration

	Logger  log.Logger
	Metrics *metric.Metrics

	Observers Observers
}

// Connection drives a single TCP (optionally TLS) connection through the
// OPTIONS/SUPPORTED/STARTUP/READY handshake and then multiplexes requests
// over it. It is exclusively owned by one event loop; every method except
// the documented thread-safe ones must run on that loop.
type Connection struct {
	loop    *evloop.EventLoop
	logger  log.Logger
	metrics *metric.Metrics

	host Host
	obs  Observers

	ssl              Session
	sslHandshakeDone bool

	state *atomic.Int32

	sock    *evloop.Socket
	parser  *cql.Parser
	streams *StreamStorage

	compressor  cql.Compressor
	version     string
	compression string
	supported   map[string][]string

	connectTimeout time.Duration
	readyNotified  bool
	closeDone      func()
}

// NewConnection binds a connection to its owning loop. Call Start to begin
// the TCP connect.
func NewConnection(loop *evloop.EventLoop, cfg Config) (*Connection, error) {
	compressor, err := cql.CompressorFor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	version := cfg.CQLVersion
	if version == "" {
		version = defaultCQLVersion
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	c := &Connection{
		loop:           loop,
		logger:         log.With(logger, "host", cfg.Host.Addr()),
		metrics:        cfg.Metrics,
		host:           cfg.Host,
		obs:            cfg.Observers,
		ssl:            cfg.SSL,
		state:          atomic.NewInt32(int32(StateNew)),
		parser:         cql.NewParser(cfg.MaxFrameBody),
		streams:        NewStreamStorage(cfg.MaxStreams),
		compressor:     compressor,
		version:        version,
		compression:    cfg.Compression,
		connectTimeout: timeout,
	}
	c.sock = evloop.NewSocket(loop, c.logger, c.onData, c.onSocketClosed)
	return c, nil
}

func (c *Connection) Loop() *evloop.EventLoop { return c.loop }

func (c *Connection) Host() Host { return c.host }

// State is safe to read from any thread.
func (c *Connection) State() State { return State(c.state.Load()) }

// Supported returns the option multimap from the server's SUPPORTED
// response. Loop thread only.
func (c *Connection) Supported() map[string][]string { return c.supported }

func (c *Connection) Available() int { return c.streams.Available() }

// Start begins the TCP connect. Thread-safe; everything after runs on the
// loop.
func (c *Connection) Start() {
	c.loop.Post(c.eventReceived)
}

// eventReceived advances the state machine whenever external input arrives:
// connect completion, TLS progress, an inbound frame, or a local kick.
func (c *Connection) eventReceived() {
	level.Debug(c.logger).Log("msg", "event received", "state", c.State())

	switch c.State() {
	case StateNew:
		c.connect()
	case StateConnected:
		c.sslHandshake()
	case StateHandshake:
		c.sendOptions()
	case StateSupported:
		c.sendStartup()
	case StateReady:
		c.notifyReady()
	default:
		// Disconnecting and Disconnected consume no further events.
	}
}

func (c *Connection) setState(s State) {
	if State(c.state.Load()) >= s {
		return
	}
	c.state.Store(int32(s))
}

func (c *Connection) connect() {
	level.Debug(c.logger).Log("msg", "connect")
	c.sock.Connect(c.host.Network(), c.host.Addr(), c.connectTimeout, c.onConnect)
}

func (c *Connection) onConnect(err error) {
	if err != nil {
		level.Debug(c.logger).Log("msg", "connect failed", "err", err)
		c.closeWithError(errors.Wrap(ErrIo, err.Error()))
		return
	}
	level.Debug(c.logger).Log("msg", "connected")
	c.setState(StateConnected)
	c.eventReceived()
}

// sslHandshake kicks the TLS engine with an empty read so it emits its first
// outbound record; without TLS the connection moves straight to Handshake.
func (c *Connection) sslHandshake() {
	if c.ssl == nil {
		c.setState(StateHandshake)
		c.eventReceived()
		return
	}
	c.pumpTLS(nil)
}

// pumpTLS feeds inbound ciphertext through the TLS engine until all of it is
// consumed, forwarding plaintext to the frame codec and ciphertext to the
// socket.
func (c *Connection) pumpTLS(in []byte) {
	for {
		consumed, plaintext, ciphertext, err := c.ssl.ReadWrite(in, nil)
		if err != nil {
			c.closeWithError(errors.Wrap(ErrTLS, err.Error()))
			return
		}
		if len(ciphertext) > 0 {
			c.sock.Write(ciphertext)
			c.sock.Flush()
		}
		if !c.sslHandshakeDone && c.ssl.HandshakeDone() {
			c.sslHandshakeDone = true
			c.setState(StateHandshake)
			c.eventReceived()
		}
		if len(plaintext) > 0 {
			c.consume(plaintext)
		}
		if c.State() >= StateDisconnecting {
			return
		}
		if consumed >= len(in) {
			return
		}
		in = in[consumed:]
	}
}

func (c *Connection) onData(data []byte) {
	if c.State() >= StateDisconnecting {
		return
	}
	if c.ssl != nil {
		c.pumpTLS(data)
		return
	}
	c.consume(data)
}

func (c *Connection) onSocketClosed(err error) {
	level.Debug(c.logger).Log("msg", "socket closed", "err", err)
	if err != nil {
		err = errors.Wrap(ErrIo, err.Error())
	}
	c.closeWithError(err)
}

func (c *Connection) consume(buf []byte) {
	for len(buf) > 0 {
		n, err := c.parser.Consume(buf)
		if err != nil {
			c.closeWithError(err)
			return
		}
		buf = buf[n:]

		if !c.parser.FrameReady() {
			continue
		}
		frame := c.parser.Frame()
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch routes one complete inbound frame. Returns false when the frame
// was fatal and the connection is going down.
func (c *Connection) dispatch(frame *cql.Frame) bool {
	c.metrics.IncFramesIn()

	if frame.Flags&cql.FlagCompressed != 0 {
		if c.compressor == nil {
			c.closeWithError(errors.Wrap(cql.ErrFrameParse, "compressed frame without negotiated codec"))
			return false
		}
		body, err := c.compressor.Decode(frame.Body)
		if err != nil {
			c.closeWithError(errors.Wrap(cql.ErrFrameParse, err.Error()))
			return false
		}
		frame.Body = body
		frame.Flags &^= cql.FlagCompressed
	}

	level.Debug(c.logger).Log("msg", "consumed frame",
		"op", cql.OpCodeString(frame.Opcode), "stream", frame.Stream, "length", len(frame.Body))

	if frame.Stream < 0 {
		if c.obs.Event != nil {
			c.obs.Event(c, frame)
		}
		return true
	}

	switch frame.Opcode {
	case cql.OpCodeSupported:
		return c.onSupported(frame)
	case cql.OpCodeReady:
		return c.onReady(frame)
	case cql.OpCodeError:
		return c.onError(frame)
	case cql.OpCodeResult:
		return c.onResult(frame)
	}

	c.closeWithError(errors.Wrapf(cql.ErrFrameParse,
		"unexpected opcode %s in state %s", cql.OpCodeString(frame.Opcode), c.State()))
	return false
}

// releaseHandshakeStream frees the slot reserved for an OPTIONS or STARTUP
// request once its response arrives, keeping the stream accounting exact.
func (c *Connection) releaseHandshakeStream(frame *cql.Frame) {
	if frame.Stream >= 0 {
		if _, err := c.streams.GetStream(frame.Stream); err == nil {
			c.metrics.AddStreams(-1)
		}
	}
}

func (c *Connection) onSupported(frame *cql.Frame) bool {
	if c.State() != StateHandshake {
		c.closeWithError(errors.Wrapf(cql.ErrFrameParse, "SUPPORTED in state %s", c.State()))
		return false
	}
	supported, err := cql.ParseSupported(frame.Body)
	if err != nil {
		c.closeWithError(err)
		return false
	}
	c.supported = supported
	c.releaseHandshakeStream(frame)
	c.setState(StateSupported)
	c.eventReceived()
	return true
}

func (c *Connection) onReady(frame *cql.Frame) bool {
	if c.State() != StateSupported {
		c.closeWithError(errors.Wrapf(cql.ErrFrameParse, "READY in state %s", c.State()))
		return false
	}
	c.releaseHandshakeStream(frame)
	c.setState(StateReady)
	c.eventReceived()
	return true
}

func (c *Connection) onError(frame *cql.Frame) bool {
	body, err := cql.ParseError(frame.Body)
	if err != nil {
		c.closeWithError(err)
		return false
	}
	srvErr := &ServerError{Code: body.Code, Message: body.Message}

	if c.State() < StateReady {
		c.releaseHandshakeStream(frame)
		c.closeWithError(srvErr)
		return false
	}

	cb, gerr := c.streams.GetStream(frame.Stream)
	if gerr != nil {
		level.Warn(c.logger).Log("msg", "ERROR for unknown stream", "stream", frame.Stream)
		return true
	}
	c.metrics.AddStreams(-1)
	cb.OnError(srvErr)
	c.notifyRequestFinished()
	return true
}

func (c *Connection) onResult(frame *cql.Frame) bool {
	if c.State() != StateReady {
		c.closeWithError(errors.Wrapf(cql.ErrFrameParse, "RESULT in state %s", c.State()))
		return false
	}
	result, err := cql.ParseResult(frame.Body)
	if err != nil {
		c.closeWithError(err)
		return false
	}

	cb, gerr := c.streams.GetStream(frame.Stream)
	if gerr != nil {
		level.Warn(c.logger).Log("msg", "RESULT for unknown stream", "stream", frame.Stream)
		return true
	}
	c.metrics.AddStreams(-1)

	switch result.Kind {
	case cql.ResultKindSetKeyspace:
		if c.obs.Keyspace != nil {
			c.obs.Keyspace(c, result.Keyspace)
		}
	case cql.ResultKindPrepared:
		if c.obs.Prepared != nil {
			query := ""
			if q, ok := cb.(interface{ Query() string }); ok {
				query = q.Query()
			}
			c.obs.Prepared(c, nil, query, result.PreparedID)
		}
	}

	cb.OnResult(frame)
	c.notifyRequestFinished()
	return true
}

// Execute reserves a stream, encodes the callback's frame and stages it on
// the socket. Loop thread only; the caller (normally the request queue
// flush) follows up with Flush. Errors come back synchronously and leave no
// stream reserved.
func (c *Connection) Execute(cb RequestCallback) error {
	if c.State() >= StateDisconnecting {
		return ErrConnectionClosed
	}

	id, err := c.streams.SetStream(cb)
	if err != nil {
		return err
	}
	c.metrics.AddStreams(1)

	frame := cb.Frame()
	frame.Stream = id

	encoded, err := c.encodeFrame(frame)
	if err != nil {
		if _, rerr := c.streams.GetStream(id); rerr == nil {
			c.metrics.AddStreams(-1)
		}
		return err
	}

	level.Debug(c.logger).Log("msg", "sending frame",
		"op", cql.OpCodeString(frame.Opcode), "stream", frame.Stream, "size", len(encoded))
	c.metrics.IncFramesOut()

	if c.ssl != nil {
		_, plaintext, ciphertext, werr := c.ssl.ReadWrite(nil, encoded)
		if werr != nil {
			// Release the stream first so the close sweep does not also
			// resolve this callback; the caller gets the error instead.
			if _, rerr := c.streams.GetStream(id); rerr == nil {
				c.metrics.AddStreams(-1)
			}
			c.closeWithError(errors.Wrap(ErrTLS, werr.Error()))
			return werr
		}
		if len(ciphertext) > 0 {
			c.sock.Write(ciphertext)
		}
		if len(plaintext) > 0 {
			c.consume(plaintext)
		}
		return nil
	}

	c.sock.Write(encoded)
	return nil
}

func (c *Connection) encodeFrame(frame *cql.Frame) ([]byte, error) {
	if c.compressor != nil && len(frame.Body) > 0 &&
		frame.Opcode != cql.OpCodeStartup && frame.Opcode != cql.OpCodeOptions {
		body, err := c.compressor.Encode(frame.Body)
		if err != nil {
			return nil, errors.Wrap(ErrEncode, err.Error())
		}
		frame.Body = body
		frame.Flags |= cql.FlagCompressed
	}
	return frame.AppendTo(nil), nil
}

// Flush pushes everything staged by Execute to the wire in one syscall.
// Loop thread only.
func (c *Connection) Flush() {
	c.sock.Flush()
}

// internalRequest backs the handshake's own OPTIONS and STARTUP frames. The
// response handlers release the stream directly, so resolution is a no-op.
type internalRequest struct {
	frame *cql.Frame
}

func (r internalRequest) Frame() *cql.Frame   { return r.frame }
func (r internalRequest) OnResult(*cql.Frame) {}
func (r internalRequest) OnError(error)       {}

func (c *Connection) sendOptions() {
	level.Debug(c.logger).Log("msg", "send options")
	if err := c.Execute(internalRequest{frame: cql.Options()}); err != nil {
		c.closeWithError(err)
		return
	}
	c.sock.Flush()
}

func (c *Connection) sendStartup() {
	level.Debug(c.logger).Log("msg", "send startup",
		"version", c.version, "compression", c.compression)
	frame := cql.Startup(c.version, c.compression)
	if err := c.Execute(internalRequest{frame: frame}); err != nil {
		c.closeWithError(err)
		return
	}
	c.sock.Flush()
}

func (c *Connection) notifyReady() {
	if c.readyNotified {
		return
	}
	c.readyNotified = true
	level.Debug(c.logger).Log("msg", "ready")
	if c.obs.Connected != nil {
		c.obs.Connected(c, nil)
	}
}

func (c *Connection) notifyError(err error) {
	if c.readyNotified {
		return
	}
	c.readyNotified = true
	if c.obs.Connected != nil {
		c.obs.Connected(c, err)
	}
}

func (c *Connection) notifyRequestFinished() {
	if c.obs.RequestFinished != nil {
		c.obs.RequestFinished(c)
	}
}

// SetKeyspace issues a USE statement. Thread-safe; the returned future
// resolves on the loop.
func (c *Connection) SetKeyspace(keyspace string) *Future {
	stmt := "USE " + keyspace
	frame, err := cql.Query(stmt)
	fut := NewFuture(frame, stmt)
	if err != nil {
		fut.OnError(errors.Wrap(ErrEncode, err.Error()))
		return fut
	}
	c.post(fut)
	return fut
}

// Prepare submits a PREPARE for stmt. Thread-safe; the prepared observer and
// the returned future both resolve on the loop.
func (c *Connection) Prepare(stmt string) *Future {
	frame, err := cql.Prepare(stmt)
	fut := NewFuture(frame, stmt)
	if err != nil {
		fut.OnError(errors.Wrap(ErrEncode, err.Error()))
		return fut
	}
	c.post(fut)
	return fut
}

func (c *Connection) post(fut *Future) {
	ok := c.loop.Post(func() {
		if err := c.Execute(fut); err != nil {
			fut.OnError(err)
			return
		}
		c.sock.Flush()
	})
	if !ok {
		fut.OnError(ErrConnectionClosed)
	}
}

// Close tears the connection down. Thread-safe. Pending requests resolve
// with ErrConnectionClosed.
func (c *Connection) Close() {
	c.loop.Post(func() { c.closeWithError(nil) })
}

// OnDisconnected registers a callback run on the loop when the state reaches
// Disconnected. Loop thread only.
func (c *Connection) OnDisconnected(fn func()) {
	c.closeDone = fn
}

func (c *Connection) closeWithError(err error) {
	if c.State() >= StateDisconnecting {
		return
	}
	level.Debug(c.logger).Log("msg", "close", "err", err)

	pre := c.State() < StateReady
	c.setState(StateDisconnecting)

	if pre {
		cause := err
		if cause == nil {
			cause = ErrConnectionClosed
		}
		c.notifyError(cause)
	}

	c.failPendingRequests()

	if c.ssl != nil {
		_ = c.ssl.Close()
	}

	c.sock.Close(func() {
		c.setState(StateDisconnected)
		level.Debug(c.logger).Log("msg", "disconnected")
		if c.closeDone != nil {
			c.closeDone()
		}
	})
}

// failPendingRequests resolves every live stream with ErrConnectionClosed
// exactly once.
func (c *Connection) failPendingRequests() {
	c.streams.Each(func(id int8, cb RequestCallback) {
		c.metrics.AddStreams(-1)
		cb.OnError(ErrConnectionClosed)
	})
}
