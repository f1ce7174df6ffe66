package cql

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compressor transforms frame bodies. The name is the value sent in the
// STARTUP COMPRESSION option.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// CompressorFor maps a negotiated algorithm name to a codec. An empty name
// means no compression.
func CompressorFor(name string) (Compressor, error) {
	switch name {
	case "":
		return nil, nil
	case "snappy":
		return SnappyCompressor{}, nil
	case "lz4":
		return LZ4Compressor{}, nil
	}
	return nil, errors.Errorf("unknown compression algorithm %q", name)
}

type SnappyCompressor struct{}

func (s SnappyCompressor) Name() string { return "snappy" }

func (s SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (s SnappyCompressor) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// LZ4Compressor frames each block with a 4-byte big-endian uncompressed
// length, as the native protocol requires for lz4 bodies.
type LZ4Compressor struct{}

func (l LZ4Compressor) Name() string { return "lz4" }

func (l LZ4Compressor) Encode(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data))+4)
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, buf[4:])
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	return buf[:4+n], nil
}

func (l LZ4Compressor) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrFrameParse, "lz4 body too short")
	}
	uncompressed := binary.BigEndian.Uint32(data[:4])
	if uncompressed == 0 {
		return nil, nil
	}
	buf := make([]byte, uncompressed)
	n, err := lz4.UncompressBlock(data[4:], buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
