package conn

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Session is the duplex byte-transform contract the connection drives for
// TLS. The caller feeds inbound ciphertext and outbound application bytes;
// the engine hands back decrypted plaintext for the frame codec and
// ciphertext records for the socket. Returned slices belong to the caller.
//
// The connection feeds ciphertext in a loop until the engine reports the
// whole input consumed, forwarding plaintext to the codec and ciphertext to
// the socket writer on every pass.
type Session interface {
	ReadWrite(in, appIn []byte) (consumed int, plaintext, ciphertext []byte, err error)
	HandshakeDone() bool
	Close() error
}

var errSessionClosed = errors.New("tls session closed")

// tlsSession adapts crypto/tls to the Session contract. The tls.Conn runs
// against an in-memory inner conn; two pump goroutines drive the handshake,
// record decryption and application writes, and ReadWrite blocks only until
// the engine has gone idle on the bytes fed so far.
type tlsSession struct {
	mu   sync.Mutex
	cond *sync.Cond

	inner *innerConn
	tconn *tls.Conn

	plain         bytes.Buffer
	pendingWrites int
	appCh         chan []byte

	hsDone     bool
	err        error
	closed     bool
	pumpExited bool

	readerDone chan struct{}
	writerDone chan struct{}
}

// NewTLSSession builds the production TLS engine. cfg must carry the server
// name or InsecureSkipVerify, as with any crypto/tls client.
func NewTLSSession(cfg *tls.Config) Session {
	s := &tlsSession{
		appCh:      make(chan []byte, 16),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.inner = &innerConn{s: s}
	s.tconn = tls.Client(s.inner, cfg)
	go s.readPump()
	go s.writePump()
	return s
}

func (s *tlsSession) readPump() {
	defer func() {
		s.mu.Lock()
		s.pumpExited = true
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.readerDone)
	}()

	if err := s.tconn.Handshake(); err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.hsDone = true
	s.cond.Broadcast()
	s.mu.Unlock()

	buf := make([]byte, 32<<10)
	for {
		n, err := s.tconn.Read(buf)
		s.mu.Lock()
		if n > 0 {
			s.plain.Write(buf[:n])
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		if err != nil {
			if err != io.EOF {
				s.fail(err)
			}
			return
		}
	}
}

func (s *tlsSession) writePump() {
	defer close(s.writerDone)

	for b := range s.appCh {
		_, err := s.tconn.Write(b)
		s.mu.Lock()
		s.pendingWrites--
		s.cond.Broadcast()
		s.mu.Unlock()
		if err != nil {
			s.fail(err)
		}
	}
}

func (s *tlsSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = errors.Wrap(ErrTLS, err.Error())
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// quiescedLocked reports whether the engine has finished chewing on
// everything fed so far: the reader pump is parked on an empty inbound
// buffer and no application write is in flight.
func (s *tlsSession) quiescedLocked() bool {
	if s.err != nil || s.pumpExited {
		return true
	}
	return s.inner.in.Len() == 0 && s.inner.readBlocked && s.pendingWrites == 0
}

func (s *tlsSession) ReadWrite(in, appIn []byte) (int, []byte, []byte, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, nil, nil, errSessionClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, nil, nil, err
	}

	if len(in) > 0 {
		s.inner.in.Write(in)
	}
	if len(appIn) > 0 {
		s.pendingWrites++
		cp := make([]byte, len(appIn))
		copy(cp, appIn)
		s.mu.Unlock()
		s.appCh <- cp
		s.mu.Lock()
	}
	s.cond.Broadcast()

	for !s.quiescedLocked() {
		s.cond.Wait()
	}

	var plaintext, ciphertext []byte
	if s.plain.Len() > 0 {
		plaintext = make([]byte, s.plain.Len())
		copy(plaintext, s.plain.Bytes())
		s.plain.Reset()
	}
	if s.inner.out.Len() > 0 {
		ciphertext = make([]byte, s.inner.out.Len())
		copy(ciphertext, s.inner.out.Bytes())
		s.inner.out.Reset()
	}
	err := s.err
	s.mu.Unlock()

	return len(in), plaintext, ciphertext, err
}

func (s *tlsSession) HandshakeDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hsDone
}

func (s *tlsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.inner.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	close(s.appCh)
	<-s.readerDone
	<-s.writerDone
	return nil
}

// innerConn is the in-memory net.Conn the tls.Conn runs against. It shares
// the session's mutex and condition variable so the session can observe when
// the reader pump is parked.
type innerConn struct {
	s *tlsSession

	in          bytes.Buffer
	out         bytes.Buffer
	readBlocked bool
	closed      bool
}

func (c *innerConn) Read(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for c.in.Len() == 0 && !c.closed {
		c.readBlocked = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	c.readBlocked = false

	if c.in.Len() == 0 {
		return 0, io.EOF
	}
	return c.in.Read(p)
}

func (c *innerConn) Write(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := c.out.Write(p)
	s.cond.Broadcast()
	return n, err
}

func (c *innerConn) Close() error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closed = true
	s.cond.Broadcast()
	return nil
}

func (c *innerConn) LocalAddr() net.Addr                { return tlsPipeAddr{} }
func (c *innerConn) RemoteAddr() net.Addr               { return tlsPipeAddr{} }
func (c *innerConn) SetDeadline(t time.Time) error      { return nil }
func (c *innerConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *innerConn) SetWriteDeadline(t time.Time) error { return nil }

type tlsPipeAddr struct{}

func (tlsPipeAddr) Network() string { return "tlspipe" }
func (tlsPipeAddr) String() string  { return "tlspipe" }
