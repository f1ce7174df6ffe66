package cql

import (
	"io"
	"math"

	"github.com/lithdew/bytesutil"
	"github.com/pkg/errors"
)

// Body primitives of the native protocol: [short], [int], [string],
// [long string], [string map] and [string multimap].

func appendShort(dst []byte, v uint16) []byte { return bytesutil.AppendUint16BE(dst, v) }

func appendInt(dst []byte, v int32) []byte { return bytesutil.AppendUint32BE(dst, uint32(v)) }

func appendString(dst []byte, s string) []byte {
	dst = appendShort(dst, uint16(len(s)))
	dst = append(dst, s...)
	return dst
}

func appendLongString(dst []byte, s string) []byte {
	dst = appendInt(dst, int32(len(s)))
	dst = append(dst, s...)
	return dst
}

func appendStringMap(dst []byte, m map[string]string) []byte {
	dst = appendShort(dst, uint16(len(m)))
	for k, v := range m {
		dst = appendString(dst, k)
		dst = appendString(dst, v)
	}
	return dst
}

func readShort(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return bytesutil.Uint16BE(buf[:2]), buf[2:], nil
}

func readInt(buf []byte) (int32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return int32(bytesutil.Uint32BE(buf[:4])), buf[4:], nil
}

func readString(buf []byte) (string, []byte, error) {
	size, buf, err := readShort(buf)
	if err != nil {
		return "", buf, err
	}
	if len(buf) < int(size) {
		return "", buf, io.ErrUnexpectedEOF
	}
	return string(buf[:size]), buf[size:], nil
}

func readShortBytes(buf []byte) ([]byte, []byte, error) {
	size, buf, err := readShort(buf)
	if err != nil {
		return nil, buf, err
	}
	if len(buf) < int(size) {
		return nil, buf, io.ErrUnexpectedEOF
	}
	out := make([]byte, size)
	copy(out, buf[:size])
	return out, buf[size:], nil
}

func readStringList(buf []byte) ([]string, []byte, error) {
	size, buf, err := readShort(buf)
	if err != nil {
		return nil, buf, err
	}
	list := make([]string, 0, size)
	for i := 0; i < int(size); i++ {
		var s string
		s, buf, err = readString(buf)
		if err != nil {
			return nil, buf, err
		}
		list = append(list, s)
	}
	return list, buf, nil
}

func readStringMultiMap(buf []byte) (map[string][]string, []byte, error) {
	size, buf, err := readShort(buf)
	if err != nil {
		return nil, buf, err
	}
	m := make(map[string][]string, size)
	for i := 0; i < int(size); i++ {
		var k string
		var vs []string
		k, buf, err = readString(buf)
		if err != nil {
			return nil, buf, err
		}
		vs, buf, err = readStringList(buf)
		if err != nil {
			return nil, buf, err
		}
		m[k] = vs
	}
	return m, buf, nil
}

// STARTUP option keys.
const (
	startupKeyCQLVersion  = "CQL_VERSION"
	startupKeyCompression = "COMPRESSION"
)

// Options builds an OPTIONS request frame. The stream id is assigned at send
// time by the connection.
func Options() *Frame {
	return &Frame{Version: VersionRequest, Opcode: OpCodeOptions}
}

// Startup builds a STARTUP request frame carrying the negotiated CQL version
// and, when non-empty, the compression algorithm.
func Startup(cqlVersion, compression string) *Frame {
	opts := map[string]string{startupKeyCQLVersion: cqlVersion}
	if compression != "" {
		opts[startupKeyCompression] = compression
	}
	return &Frame{
		Version: VersionRequest,
		Opcode:  OpCodeStartup,
		Body:    appendStringMap(nil, opts),
	}
}

// Consistency level carried by QUERY frames. The core always issues its own
// statements (USE <keyspace>) at ONE.
const consistencyOne uint16 = 0x0001

// Query builds a QUERY request frame: [long string][consistency][flags].
func Query(statement string) (*Frame, error) {
	if len(statement) > math.MaxInt32 {
		return nil, errors.New("statement too long")
	}
	body := appendLongString(nil, statement)
	body = appendShort(body, consistencyOne)
	body = append(body, 0) // no query flags
	return &Frame{Version: VersionRequest, Opcode: OpCodeQuery, Body: body}, nil
}

// Prepare builds a PREPARE request frame: [long string].
func Prepare(statement string) (*Frame, error) {
	if len(statement) > math.MaxInt32 {
		return nil, errors.New("statement too long")
	}
	return &Frame{
		Version: VersionRequest,
		Opcode:  OpCodePrepare,
		Body:    appendLongString(nil, statement),
	}, nil
}

// ErrorBody is the decoded body of an ERROR frame.
type ErrorBody struct {
	Code    int32
	Message string
}

func ParseError(body []byte) (ErrorBody, error) {
	var e ErrorBody
	var err error
	e.Code, body, err = readInt(body)
	if err != nil {
		return e, errors.Wrap(ErrFrameParse, "truncated error body")
	}
	e.Message, _, err = readString(body)
	if err != nil {
		return e, errors.Wrap(ErrFrameParse, "truncated error message")
	}
	return e, nil
}

func ParseSupported(body []byte) (map[string][]string, error) {
	m, _, err := readStringMultiMap(body)
	if err != nil {
		return nil, errors.Wrap(ErrFrameParse, "truncated supported body")
	}
	return m, nil
}

// Result is the part of a RESULT body the connection core dispatches on.
type Result struct {
	Kind       int32
	Keyspace   string // kind SET_KEYSPACE
	PreparedID []byte // kind PREPARED
}

func ParseResult(body []byte) (Result, error) {
	var r Result
	var err error
	r.Kind, body, err = readInt(body)
	if err != nil {
		return r, errors.Wrap(ErrFrameParse, "truncated result body")
	}
	switch r.Kind {
	case ResultKindSetKeyspace:
		r.Keyspace, _, err = readString(body)
		if err != nil {
			return r, errors.Wrap(ErrFrameParse, "truncated set_keyspace result")
		}
	case ResultKindPrepared:
		r.PreparedID, _, err = readShortBytes(body)
		if err != nil {
			return r, errors.Wrap(ErrFrameParse, "truncated prepared result")
		}
	}
	return r, nil
}
