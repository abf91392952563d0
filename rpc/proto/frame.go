package proto

import (
	"io"
	"net"
)

// WriteFrame writes a proto header followed by payload with one writev
func WriteFrame(w io.Writer, typ uint8, payload []byte) error {
	var header [ProtoHeaderSize]byte
	EncodeProtoHeader(header[:], typ, len(payload))

	if conn, ok := w.(net.Conn); ok {
		b := net.Buffers{header[:], payload}
		_, err := b.WriteTo(conn)
		return err
	}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one proto message. buf is reused when large enough,
// otherwise a new buffer is allocated. The returned payload aliases the
// returned buffer.
func ReadFrame(r io.Reader, buf []byte) (ProtoHeader, []byte, []byte, error) {
	if cap(buf) < ProtoHeaderSize {
		buf = make([]byte, 0, 4096)
	}
	buf = buf[:ProtoHeaderSize]
	if _, err := io.ReadFull(r, buf); err != nil {
		return ProtoHeader{}, nil, buf, err
	}

	h, err := ParseProtoHeader(buf)
	if err != nil {
		return h, nil, buf, err
	}
	if h.Length == 0 {
		return h, buf[:0], buf, nil
	}

	if cap(buf) < h.Length {
		buf = make([]byte, h.Length)
	}
	payload := buf[:h.Length]
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, buf, err
	}
	return h, payload, buf, nil
}
