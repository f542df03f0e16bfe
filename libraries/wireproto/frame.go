// Package wireproto implements the worker request/response wire format:
// a 4-byte big-endian length prefix followed by a typed, binary-encoded
// message. The codec is a small deterministic binary encoding with typed
// dispatch and status-bearing responses.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// DefaultMaxFrameSize bounds how large a single frame's payload may be,
// guarding against a corrupt or hostile length prefix forcing an
// unbounded allocation. The same 16 MiB ceiling bounds the file
// server's send buffer; frames elsewhere in the request protocol are far
// smaller.
const DefaultMaxFrameSize = 16 << 20

// WriteFrame writes payload prefixed by its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return qerrors.TransportError.New(fmt.Sprintf("wireproto: write length prefix: %v", err))
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return qerrors.TransportError.New(fmt.Sprintf("wireproto: write payload: %v", err))
	}
	return nil
}

// ReadFrame reads a 4-byte big-endian length prefix and exactly that many
// payload bytes, failing if the prefix exceeds maxLen.
func ReadFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, qerrors.TransportError.New(fmt.Sprintf("wireproto: read length prefix: %v", err))
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, qerrors.TransportError.New(fmt.Sprintf("wireproto: frame length %d exceeds max %d", n, maxLen))
	}
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, qerrors.TransportError.New(fmt.Sprintf("wireproto: read payload: %v", err))
	}
	return payload, nil
}

// WriteMessage frames msgType (2 bytes) followed by body as a single
// length-prefixed message.
func WriteMessage(w io.Writer, msgType MessageType, body []byte) error {
	payload := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(payload[:2], uint16(msgType))
	copy(payload[2:], body)
	return WriteFrame(w, payload)
}

// ReadMessage reads one framed message and splits it into its type and body.
func ReadMessage(r io.Reader, maxLen uint32) (MessageType, []byte, error) {
	payload, err := ReadFrame(r, maxLen)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) < 2 {
		return 0, nil, qerrors.TransportError.New("wireproto: frame too short to carry a message type")
	}
	msgType := MessageType(binary.BigEndian.Uint16(payload[:2]))
	return msgType, payload[2:], nil
}
