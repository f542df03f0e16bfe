package wireproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// Encoder accumulates a message body using the same primitive encodings
// throughout wireproto: fixed-width big-endian integers, a single byte for
// bool, and a uint32 length prefix ahead of strings/byte slices.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated body.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

func (e *Encoder) WriteBool(b bool) {
	if b {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) WriteUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteInt32(v int32) { e.WriteUint32(uint32(v)) }

func (e *Encoder) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteInt64(v int64) { e.WriteUint64(uint64(v)) }

func (e *Encoder) WriteBytes(p []byte) {
	e.WriteUint32(uint32(len(p)))
	e.buf.Write(p)
}

func (e *Encoder) WriteString(s string) { e.WriteBytes([]byte(s)) }

// WriteStrings writes a length-prefixed sequence of length-prefixed strings.
func (e *Encoder) WriteStrings(ss []string) {
	e.WriteUint32(uint32(len(ss)))
	for _, s := range ss {
		e.WriteString(s)
	}
}

// Decoder reads values out of a message body in the same order an Encoder
// wrote them. The first error encountered is sticky; once set, every
// subsequent Read* call becomes a no-op returning the zero value, so
// callers can decode a whole struct and check Err() once at the end.
type Decoder struct {
	r   *bytes.Reader
	err error
}

// NewDecoder wraps body for sequential decoding.
func NewDecoder(body []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(body)}
}

// Err returns the first error encountered while decoding, if any.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = qerrors.TransportError.New(fmt.Sprintf("wireproto: decode: %v", err))
	}
}

func (d *Decoder) ReadBool() bool {
	if d.err != nil {
		return false
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return false
	}
	return b != 0
}

func (d *Decoder) ReadUint16() uint16 {
	if d.err != nil {
		return 0
	}
	var b [2]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func (d *Decoder) ReadUint32() uint32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (d *Decoder) ReadInt32() int32 { return int32(d.ReadUint32()) }

func (d *Decoder) ReadUint64() uint64 {
	if d.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func (d *Decoder) ReadInt64() int64 { return int64(d.ReadUint64()) }

// maxStringLen guards against a corrupt length prefix forcing an
// oversized allocation while decoding.
const maxStringLen = DefaultMaxFrameSize

func (d *Decoder) ReadBytes() []byte {
	if d.err != nil {
		return nil
	}
	n := d.ReadUint32()
	if d.err != nil {
		return nil
	}
	if n > maxStringLen {
		d.fail(fmt.Errorf("length %d exceeds max %d", n, maxStringLen))
		return nil
	}
	if n == 0 {
		return []byte{}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.fail(err)
		return nil
	}
	return buf
}

func (d *Decoder) ReadString() string { return string(d.ReadBytes()) }

func (d *Decoder) ReadStrings() []string {
	n := d.ReadUint32()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.ReadString()
	}
	return out
}
