package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

var ErrVarintOverflow = errors.New("protocol: varint overflow")

// MaxStringLen bounds length-prefixed strings read from the wire.
const MaxStringLen = 4096

// Encoder appends little-endian values to a growing buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder(k Kind) *Encoder {
	e := &Encoder{buf: make([]byte, 0, 64)}
	e.buf = AppendHeader(e.buf, k)
	return e
}

func (e *Encoder) Bytes() []byte { return e.buf }
func (e *Encoder) Len() int      { return len(e.buf) }

func (e *Encoder) WriteUint8(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) WriteFloat32(v float32) {
	e.WriteUint32(math.Float32bits(v))
}

func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Decoder reads values written by Encoder. Errors are sticky: after the
// first failure every read returns the zero value and Err reports it.
type Decoder struct {
	buf []byte
	pos int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Err() error     { return d.err }
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Rest returns the unread bytes without consuming them.
func (d *Decoder) Rest() []byte { return d.buf[d.pos:] }

func (d *Decoder) Skip(n int) {
	d.take(n)
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) ReadUint8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) ReadBool() bool { return d.ReadUint8() != 0 }

func (d *Decoder) ReadBytes(n int) []byte { return d.take(n) }

func (d *Decoder) ReadUint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) ReadUint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) ReadUint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) ReadFloat32() float32 {
	return math.Float32frombits(d.ReadUint32())
}

func (d *Decoder) ReadUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		d.err = io.ErrUnexpectedEOF
		return 0
	case n < 0:
		d.err = ErrVarintOverflow
		return 0
	}
	d.pos += n
	return v
}

func (d *Decoder) ReadString() string {
	n := d.ReadUvarint()
	if d.err != nil {
		return ""
	}
	if n > MaxStringLen {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	return string(d.take(int(n)))
}
