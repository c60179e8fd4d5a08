package protocol

import "time"

// VoxelFlagColor marks a voxel packet whose sections carry RGB bytes.
const VoxelFlagColor byte = 1

// VoxelHeaderSize is header, flags, sequence and send time.
const VoxelHeaderSize = HeaderSize + 1 + 2 + 8

// VoxelPacket is a decoded voxel data packet.
type VoxelPacket struct {
	Color    bool
	Sequence uint16
	SentAt   time.Time
	Sections []byte
}

// AppendVoxelPacket writes a complete voxel packet.
func AppendVoxelPacket(b []byte, color bool, seq uint16, sentAt time.Time, sections []byte) []byte {
	b = AppendHeader(b, KindVoxelData)
	var flags byte
	if color {
		flags |= VoxelFlagColor
	}
	e := Encoder{buf: b}
	e.WriteUint8(flags)
	e.WriteUint16(seq)
	e.WriteUint64(Micros(sentAt))
	e.WriteBytes(sections)
	return e.Bytes()
}

func DecodeVoxelPacket(pkt []byte) (VoxelPacket, error) {
	d, err := expect(pkt, KindVoxelData)
	if err != nil {
		return VoxelPacket{}, err
	}
	flags := d.ReadUint8()
	p := VoxelPacket{
		Color:    flags&VoxelFlagColor != 0,
		Sequence: d.ReadUint16(),
		SentAt:   FromMicros(d.ReadUint64()),
	}
	if err := d.Err(); err != nil {
		return VoxelPacket{}, err
	}
	p.Sections = d.Rest()
	return p, nil
}
