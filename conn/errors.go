package conn

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoStreamsAvailable reports a saturated connection: all stream ids
	// are bound to in-flight requests.
	ErrNoStreamsAvailable = errors.New("no streams available")

	// ErrInvalidStream reports a lookup of a stream id that is not live.
	ErrInvalidStream = errors.New("invalid stream")

	// ErrEncode reports an outbound frame serialization failure.
	ErrEncode = errors.New("frame encode error")

	// ErrConnectionClosed resolves every pending request when its connection
	// enters Disconnecting.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrIo reports a TCP-level failure: connect, read, write, or an EOF
	// outside a graceful close.
	ErrIo = errors.New("i/o error")

	// ErrTLS reports a fatal from the TLS engine.
	ErrTLS = errors.New("tls error")
)

// ServerError carries the code and message of an inbound ERROR frame.
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", e.Code, e.Message)
}
