package protocol

import (
	"errors"
	"fmt"
	"time"

	"voxelstream.ai/internal/octree"
)

var ErrMalformedCode = errors.New("protocol: malformed octal code")

// Edit is one (code, color) pair of a set packet.
type Edit struct {
	Code  octree.Code
	Color octree.Color
}

// EditHeader precedes the payload of every edit packet.
type EditHeader struct {
	Sequence uint16
	SentAt   time.Time
}

func writeEditHeader(e *Encoder, h EditHeader) {
	e.WriteUint16(h.Sequence)
	e.WriteUint64(Micros(h.SentAt))
}

// EncodeSetVoxels builds a set packet. Destructive sets delete the children
// of interior targets.
func EncodeSetVoxels(h EditHeader, destructive bool, edits []Edit) []byte {
	k := KindSetVoxel
	if destructive {
		k = KindSetVoxelDestructive
	}
	e := NewEncoder(k)
	writeEditHeader(e, h)
	for _, ed := range edits {
		e.WriteBytes(ed.Code)
		e.WriteBytes(ed.Color[:])
	}
	return e.Bytes()
}

func EncodeErase(h EditHeader, codes []octree.Code) []byte {
	e := NewEncoder(KindEraseVoxel)
	writeEditHeader(e, h)
	for _, c := range codes {
		e.WriteBytes(c)
	}
	return e.Bytes()
}

// EditReader walks the payload of a set or erase packet one entry at a time
// so the caller can apply each entry as it is read.
type EditReader struct {
	Kind   Kind
	Header EditHeader
	rest   []byte
}

func NewEditReader(pkt []byte) (*EditReader, error) {
	k, body, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindSetVoxel, KindSetVoxelDestructive, KindEraseVoxel:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedKind, k)
	}
	d := NewDecoder(body)
	h := EditHeader{Sequence: d.ReadUint16(), SentAt: FromMicros(d.ReadUint64())}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return &EditReader{Kind: k, Header: h, rest: d.Rest()}, nil
}

func (r *EditReader) More() bool { return len(r.rest) > 0 }

// NextCode reads one code of an erase packet.
func (r *EditReader) NextCode() (octree.Code, error) {
	c, n, err := octree.ParseCode(r.rest)
	if err != nil {
		r.rest = nil
		return nil, fmt.Errorf("%w: %w", ErrMalformedCode, err)
	}
	r.rest = r.rest[n:]
	return c, nil
}

// NextEdit reads one code and color of a set packet. A malformed entry
// ends the reader.
func (r *EditReader) NextEdit() (Edit, error) {
	c, err := r.NextCode()
	if err != nil {
		return Edit{}, err
	}
	if len(r.rest) < 3 {
		r.rest = nil
		return Edit{}, fmt.Errorf("%w: missing color", ErrMalformedCode)
	}
	ed := Edit{Code: c, Color: octree.Color{r.rest[0], r.rest[1], r.rest[2]}}
	r.rest = r.rest[3:]
	return ed, nil
}
