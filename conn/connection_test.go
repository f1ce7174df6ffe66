package conn

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kostja/cqlcore/cql"
	"github.com/kostja/cqlcore/evloop"
)

func readWireFrame(r io.Reader) (*cql.Frame, error) {
	head := make([]byte, cql.HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(head[4:8]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &cql.Frame{
		Version: head[0],
		Flags:   head[1],
		Stream:  int8(head[2]),
		Opcode:  head[3],
		Body:    body,
	}, nil
}

func writeWireFrame(w io.Writer, f *cql.Frame) error {
	_, err := w.Write(f.AppendTo(nil))
	return err
}

// serveHandshake walks the server side of OPTIONS/SUPPORTED/STARTUP/READY.
func serveHandshake(c net.Conn) error {
	options, err := readWireFrame(c)
	if err != nil {
		return err
	}
	if options.Opcode != cql.OpCodeOptions {
		return errors.New("expected OPTIONS")
	}
	err = writeWireFrame(c, &cql.Frame{
		Version: cql.VersionResponse,
		Stream:  options.Stream,
		Opcode:  cql.OpCodeSupported,
		Body:    []byte{0x00, 0x00},
	})
	if err != nil {
		return err
	}

	startup, err := readWireFrame(c)
	if err != nil {
		return err
	}
	if startup.Opcode != cql.OpCodeStartup {
		return errors.New("expected STARTUP")
	}
	return writeWireFrame(c, &cql.Frame{
		Version: cql.VersionResponse,
		Stream:  startup.Stream,
		Opcode:  cql.OpCodeReady,
	})
}

func voidResultBody() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(cql.ResultKindVoid))
	return body
}

func listenerHost(t *testing.T, ln net.Listener) Host {
	host, err := ParseHost(ln.Addr().String())
	require.NoError(t, err)
	return host
}

func waitState(t *testing.T, c *Connection, want State) {
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, time.Millisecond)
}

func queryFuture(t *testing.T, stmt string) *Future {
	frame, err := cql.Query(stmt)
	require.NoError(t, err)
	return NewFuture(frame, stmt)
}

func executeOnLoop(c *Connection, cb RequestCallback) error {
	errCh := make(chan error, 1)
	c.Loop().Post(func() {
		err := c.Execute(cb)
		if err == nil {
			c.Flush()
		}
		errCh <- err
	})
	return <-errCh
}

func TestConnectionHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_ = serveHandshake(c)
		// Hold the connection open until the client goes away.
		_, _ = readWireFrame(c)
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	connected := make(chan error, 1)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected: func(_ *Connection, err error) { connected <- err },
		},
	})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, <-connected)
	require.Equal(t, StateReady, c.State())
	require.Equal(t, MaxStreams, c.Available())

	c.Close()
	waitState(t, c, StateDisconnected)
	<-serverDone
}

func TestConnectionHandshakeError(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		options, err := readWireFrame(c)
		if err != nil {
			return
		}
		_ = writeWireFrame(c, &cql.Frame{
			Version: cql.VersionResponse,
			Stream:  options.Stream,
			Opcode:  cql.OpCodeSupported,
			Body:    []byte{0x00, 0x00},
		})

		startup, err := readWireFrame(c)
		if err != nil {
			return
		}
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, 0x0100)
		body = append(body, 0x00, 0x0B)
		body = append(body, "unauthorized"[:11]...)
		_ = writeWireFrame(c, &cql.Frame{
			Version: cql.VersionResponse,
			Stream:  startup.Stream,
			Opcode:  cql.OpCodeError,
			Body:    body,
		})
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	connected := make(chan error, 1)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected: func(_ *Connection, err error) { connected <- err },
		},
	})
	require.NoError(t, err)

	c.Start()

	err = <-connected
	require.Error(t, err)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	require.EqualValues(t, 0x0100, srvErr.Code)

	waitState(t, c, StateDisconnected)
	require.Equal(t, MaxStreams, c.Available())
	<-serverDone
}

func TestConnectionQueryAndKeyspace(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := serveHandshake(c); err != nil {
			return
		}
		for {
			req, err := readWireFrame(c)
			if err != nil {
				return
			}
			body := make([]byte, 4)
			binary.BigEndian.PutUint32(body, uint32(cql.ResultKindSetKeyspace))
			body = append(body, 0x00, 0x06)
			body = append(body, "system"...)
			if err := writeWireFrame(c, &cql.Frame{
				Version: cql.VersionResponse,
				Stream:  req.Stream,
				Opcode:  cql.OpCodeResult,
				Body:    body,
			}); err != nil {
				return
			}
		}
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	connected := make(chan error, 1)
	keyspaces := make(chan string, 1)
	finished := make(chan struct{}, 8)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected:       func(_ *Connection, err error) { connected <- err },
			Keyspace:        func(_ *Connection, ks string) { keyspaces <- ks },
			RequestFinished: func(_ *Connection) { finished <- struct{}{} },
		},
	})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, <-connected)

	fut := c.SetKeyspace("system")
	resp, err := fut.WaitTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, cql.OpCodeResult, resp.Opcode)
	require.Equal(t, "system", <-keyspaces)
	<-finished

	c.Close()
	waitState(t, c, StateDisconnected)
	<-serverDone
}

func TestConnectionPrepare(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	preparedID := []byte{0xde, 0xad, 0xbe, 0xef}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := serveHandshake(c); err != nil {
			return
		}
		req, err := readWireFrame(c)
		if err != nil || req.Opcode != cql.OpCodePrepare {
			return
		}
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(cql.ResultKindPrepared))
		body = append(body, 0x00, 0x04)
		body = append(body, preparedID...)
		_ = writeWireFrame(c, &cql.Frame{
			Version: cql.VersionResponse,
			Stream:  req.Stream,
			Opcode:  cql.OpCodeResult,
			Body:    body,
		})
		_, _ = readWireFrame(c)
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	type prepared struct {
		query string
		id    []byte
	}

	connected := make(chan error, 1)
	preparedCh := make(chan prepared, 1)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected: func(_ *Connection, err error) { connected <- err },
			Prepared: func(_ *Connection, err error, query string, id []byte) {
				preparedCh <- prepared{query: query, id: id}
			},
		},
	})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, <-connected)

	stmt := "SELECT * FROM system.peers WHERE peer = ?"
	fut := c.Prepare(stmt)
	_, err = fut.WaitTimeout(2 * time.Second)
	require.NoError(t, err)

	p := <-preparedCh
	require.Equal(t, stmt, p.query)
	require.Equal(t, preparedID, p.id)

	c.Close()
	waitState(t, c, StateDisconnected)
	<-serverDone
}

func TestConnectionMidFlightClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const total = 50
	const answered = 10

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := serveHandshake(c); err != nil {
			return
		}
		for i := 0; i < answered; i++ {
			req, err := readWireFrame(c)
			if err != nil {
				return
			}
			if err := writeWireFrame(c, &cql.Frame{
				Version: cql.VersionResponse,
				Stream:  req.Stream,
				Opcode:  cql.OpCodeResult,
				Body:    voidResultBody(),
			}); err != nil {
				return
			}
		}
		// Swallow the rest without answering.
		for {
			if _, err := readWireFrame(c); err != nil {
				return
			}
		}
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	connected := make(chan error, 1)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected: func(_ *Connection, err error) { connected <- err },
		},
	})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, <-connected)

	futs := make([]*Future, total)
	for i := range futs {
		futs[i] = queryFuture(t, "SELECT key FROM system.local")
		require.NoError(t, executeOnLoop(c, futs[i]))
	}

	for i := 0; i < answered; i++ {
		_, err := futs[i].WaitTimeout(2 * time.Second)
		require.NoError(t, err)
	}

	c.Close()
	waitState(t, c, StateDisconnected)

	for i := answered; i < total; i++ {
		_, err := futs[i].WaitTimeout(2 * time.Second)
		require.ErrorIs(t, err, ErrConnectionClosed)
	}
	require.Equal(t, MaxStreams, c.Available())
	<-serverDone
}

func TestConnectionStreamExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	release := make(chan struct{})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := serveHandshake(c); err != nil {
			return
		}
		first, err := readWireFrame(c)
		if err != nil {
			return
		}
		<-release
		_ = writeWireFrame(c, &cql.Frame{
			Version: cql.VersionResponse,
			Stream:  first.Stream,
			Opcode:  cql.OpCodeResult,
			Body:    voidResultBody(),
		})
		for {
			if _, err := readWireFrame(c); err != nil {
				return
			}
		}
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	connected := make(chan error, 1)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected: func(_ *Connection, err error) { connected <- err },
		},
	})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, <-connected)

	// Saturate all 128 streams, the 129th execute is rejected.
	futs := make([]*Future, MaxStreams)
	for i := range futs {
		futs[i] = queryFuture(t, "SELECT key FROM system.local")
		require.NoError(t, executeOnLoop(c, futs[i]))
	}
	require.Equal(t, 0, c.Available())

	overflow := queryFuture(t, "SELECT key FROM system.local")
	require.ErrorIs(t, executeOnLoop(c, overflow), ErrNoStreamsAvailable)

	// One response frees stream 0; the next execute reuses it.
	close(release)
	_, err = futs[0].WaitTimeout(2 * time.Second)
	require.NoError(t, err)

	retry := queryFuture(t, "SELECT key FROM system.local")
	require.NoError(t, executeOnLoop(c, retry))
	require.Equal(t, int8(0), retry.Frame().Stream)

	c.Close()
	waitState(t, c, StateDisconnected)
	<-serverDone
}

func TestConnectionEventFrame(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := serveHandshake(c); err != nil {
			return
		}
		// Server-initiated event on a negative stream.
		_ = writeWireFrame(c, &cql.Frame{
			Version: cql.VersionResponse,
			Stream:  -1,
			Opcode:  cql.OpCodeEvent,
			Body:    []byte("TOPOLOGY_CHANGE"),
		})
		_, _ = readWireFrame(c)
	}()

	group := evloop.NewGroup(1, nil)
	defer group.Close()

	connected := make(chan error, 1)
	events := make(chan *cql.Frame, 1)
	c, err := NewConnection(group.Loop(0), Config{
		Host: listenerHost(t, ln),
		Observers: Observers{
			Connected: func(_ *Connection, err error) { connected <- err },
			Event:     func(_ *Connection, f *cql.Frame) { events <- f },
		},
	})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, <-connected)

	ev := <-events
	require.Equal(t, int8(-1), ev.Stream)
	require.Equal(t, cql.OpCodeEvent, ev.Opcode)
	require.Equal(t, []byte("TOPOLOGY_CHANGE"), ev.Body)

	c.Close()
	waitState(t, c, StateDisconnected)
	<-serverDone
}
