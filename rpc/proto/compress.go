package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/klauspost/compress/zlib"
)

// Compress appends a compressed message wrapping msg, which must be a
// complete message including its proto header
func Compress(dst *buffer.Buffer, msg []byte) error {
	start := dst.WriteZeros(ProtoHeaderSize)
	dst.WriteUint64(uint64(len(msg)))

	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, zlib.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(msg); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	dst.WriteBytes(out.Bytes())

	EncodeProtoHeader(dst.Bytes()[start:], TypeCompressed, dst.Len()-start-ProtoHeaderSize)
	return nil
}

// Decompress inflates the payload of a compressed message into dst and
// returns the inner message, starting with its proto header
func Decompress(payload []byte, dst *buffer.Buffer) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("compressed payload of %d bytes has no size", len(payload))
	}
	size := binary.BigEndian.Uint64(payload)
	if size < ProtoHeaderSize || size > MaxProtoSize+ProtoHeaderSize {
		return nil, fmt.Errorf("invalid uncompressed size %d", size)
	}

	zr, err := zlib.NewReader(bytes.NewReader(payload[8:]))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer zr.Close()

	dst.Reset()
	out := dst.Resize(int(size))
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return out, nil
}
