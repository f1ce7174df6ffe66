package cql

import (
	"fmt"

	"github.com/lithdew/bytesutil"
	"github.com/pkg/errors"
)

// CQL native protocol v3 frame header layout: 1-byte version, 1-byte flags,
// 1-byte signed stream id, 1-byte opcode, 4-byte big-endian body length.
const (
	HeaderSize = 8

	VersionRequest  uint8 = 0x03
	VersionResponse uint8 = 0x83

	FlagCompressed uint8 = 0x01
)

// DefaultMaxBodyLength bounds a single frame body. Anything larger is treated
// as a malformed stream.
const DefaultMaxBodyLength = 256 << 20

var ErrFrameParse = errors.New("frame parse error")

type Frame struct {
	Version uint8
	Flags   uint8
	Stream  int8
	Opcode  OpCode
	Body    []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("[frame version=0x%x flags=0x%x stream=%d op=%s length=%d]",
		f.Version, f.Flags, f.Stream, OpCodeString(f.Opcode), len(f.Body))
}

// AppendTo serializes the frame header followed by the body. The stream id
// must already be assigned by the sender.
func (f *Frame) AppendTo(dst []byte) []byte {
	dst = append(dst, f.Version, f.Flags, uint8(f.Stream), f.Opcode)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(f.Body)))
	dst = append(dst, f.Body...)
	return dst
}

type parseState int

const (
	parseHeader parseState = iota
	parseBody
)

// Parser is an incremental frame decoder. Feed it raw bytes with Consume in
// chunks of any size; once FrameReady reports true, take the frame with
// Frame and keep consuming leftover input.
type Parser struct {
	maxBody int

	state   parseState
	head    [HeaderSize]byte
	headLen int

	frame *Frame
	need  int

	ready bool
}

func NewParser(maxBody int) *Parser {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyLength
	}
	return &Parser{maxBody: maxBody}
}

// Consume advances the parser with buf and returns how many bytes were
// eaten. It stops early once a complete frame is available; the caller takes
// the frame and calls Consume again with the remainder.
func (p *Parser) Consume(buf []byte) (int, error) {
	if p.ready {
		return 0, errors.Wrap(ErrFrameParse, "frame pending, take it before consuming more input")
	}

	consumed := 0

	if p.state == parseHeader {
		n := copy(p.head[p.headLen:], buf)
		p.headLen += n
		consumed += n
		buf = buf[n:]

		if p.headLen < HeaderSize {
			return consumed, nil
		}

		length := int(bytesutil.Uint32BE(p.head[4:8]))
		if length < 0 || length > p.maxBody {
			return consumed, errors.Wrapf(ErrFrameParse, "body length %d exceeds maximum %d", length, p.maxBody)
		}

		p.frame = &Frame{
			Version: p.head[0],
			Flags:   p.head[1],
			Stream:  int8(p.head[2]),
			Opcode:  p.head[3],
		}
		if length > 0 {
			p.frame.Body = make([]byte, 0, length)
		}
		p.need = length
		p.state = parseBody
	}

	if p.state == parseBody {
		n := len(buf)
		if n > p.need {
			n = p.need
		}
		p.frame.Body = append(p.frame.Body, buf[:n]...)
		p.need -= n
		consumed += n

		if p.need == 0 {
			p.ready = true
		}
	}

	return consumed, nil
}

func (p *Parser) FrameReady() bool { return p.ready }

// Frame returns the completed frame and resets the parser for the next one.
func (p *Parser) Frame() *Frame {
	if !p.ready {
		return nil
	}
	f := p.frame
	p.frame = nil
	p.headLen = 0
	p.need = 0
	p.state = parseHeader
	p.ready = false
	return f
}

func (p *Parser) Reset() {
	p.frame = nil
	p.headLen = 0
	p.need = 0
	p.state = parseHeader
	p.ready = false
}
