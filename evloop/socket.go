package evloop

import (
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/valyala/bytebufferpool"
)

const readChunkSize = 64 << 10

// Socket is a non-blocking facade over a TCP connection bound to one event
// loop. Connect, data and close callbacks all run on the loop goroutine.
// Write appends to a pending buffer; Flush hands the whole buffer to the
// writer in one call, so many frames written back-to-back cost one syscall.
type Socket struct {
	loop   *EventLoop
	logger log.Logger

	onData   func([]byte)
	onClosed func(error)

	conn net.Conn
	out  *bytebufferpool.ByteBuffer

	writeCh     chan *bytebufferpool.ByteBuffer
	closeWrites sync.Once

	readerDone chan struct{}
	writerDone chan struct{}

	closed        bool
	closeReported bool
}

// NewSocket builds a socket owned by loop. onData receives inbound chunks,
// onClosed fires at most once when the peer or an I/O error tears the
// connection down before a local Close.
func NewSocket(loop *EventLoop, logger log.Logger, onData func([]byte), onClosed func(error)) *Socket {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Socket{
		loop:       loop,
		logger:     logger,
		onData:     onData,
		onClosed:   onClosed,
		writeCh:    make(chan *bytebufferpool.ByteBuffer, 128),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Connect dials network/addr off the loop and posts onConnect back to it.
// On success the read pump is already running when onConnect fires.
func (s *Socket) Connect(network, addr string, timeout time.Duration, onConnect func(error)) {
	go func() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.Dial(network, addr)

		posted := s.loop.Post(func() {
			if err != nil {
				onConnect(err)
				return
			}
			if s.closed {
				_ = conn.Close()
				return
			}
			s.conn = conn
			go s.readPump()
			go s.writePump()
			onConnect(nil)
		})
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Socket) readPump() {
	defer close(s.readerDone)

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.loop.Post(func() {
				if !s.closed {
					s.onData(data)
				}
			})
		}
		if err != nil {
			s.reportClosed(err)
			return
		}
	}
}

func (s *Socket) writePump() {
	defer close(s.writerDone)

	for bb := range s.writeCh {
		_, err := s.conn.Write(bb.B)
		bytebufferpool.Put(bb)
		if err != nil {
			s.reportClosed(err)
			for bb := range s.writeCh {
				bytebufferpool.Put(bb)
			}
			return
		}
	}
}

func (s *Socket) reportClosed(err error) {
	s.loop.Post(func() {
		if s.closed || s.closeReported {
			return
		}
		s.closeReported = true
		s.onClosed(err)
	})
}

// Write appends p to the pending outbound buffer. Loop thread only.
func (s *Socket) Write(p []byte) {
	if s.closed || s.conn == nil {
		return
	}
	if s.out == nil {
		s.out = bytebufferpool.Get()
	}
	_, _ = s.out.Write(p)
}

// Flush hands all pending outbound bytes to the write pump in one batch.
// Loop thread only.
func (s *Socket) Flush() {
	if s.out == nil || len(s.out.B) == 0 {
		return
	}
	if s.closed || s.conn == nil {
		bytebufferpool.Put(s.out)
		s.out = nil
		return
	}
	bb := s.out
	s.out = nil
	s.writeCh <- bb
}

// Close tears the socket down. Loop thread only. done runs on the loop after
// both pumps have exited and the handle is fully released.
func (s *Socket) Close(done func()) {
	if s.closed {
		return
	}
	s.closed = true

	if s.out != nil {
		bytebufferpool.Put(s.out)
		s.out = nil
	}

	level.Debug(s.logger).Log("msg", "closing socket")

	if s.conn == nil {
		if done != nil {
			s.loop.Post(done)
		}
		return
	}

	_ = s.conn.Close()
	s.closeWrites.Do(func() { close(s.writeCh) })

	go func() {
		<-s.readerDone
		<-s.writerDone
		if done != nil {
			s.loop.Post(done)
		}
	}()
}
