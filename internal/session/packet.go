package session

import (
	"time"

	"voxelstream.ai/internal/protocol"
)

// PacketBuffer accumulates encoded sections for one outgoing voxel packet.
// It never grows past its wire limit.
type PacketBuffer struct {
	max      int
	color    bool
	sections []byte
}

func NewPacketBuffer(max int) *PacketBuffer {
	if max <= protocol.VoxelHeaderSize {
		max = protocol.MaxPacketSize
	}
	return &PacketBuffer{max: max, sections: make([]byte, 0, max-protocol.VoxelHeaderSize)}
}

// Reset empties the buffer and sets its color mode.
func (p *PacketBuffer) Reset(color bool) {
	p.color = color
	p.sections = p.sections[:0]
}

func (p *PacketBuffer) IsColor() bool    { return p.color }
func (p *PacketBuffer) HasContent() bool { return len(p.sections) > 0 }
func (p *PacketBuffer) Max() int         { return p.max }

// Len is the wire size the packet would have if finalized now.
func (p *PacketBuffer) Len() int { return protocol.VoxelHeaderSize + len(p.sections) }

// Available is the room left for sections.
func (p *PacketBuffer) Available() int { return p.max - p.Len() }

// TryAppend adds a section if it fits and reports whether it did.
func (p *PacketBuffer) TryAppend(section []byte) bool {
	if len(section) > p.Available() {
		return false
	}
	p.sections = append(p.sections, section...)
	return true
}

// Payload is the part of the packet compared for duplicate suppression:
// the color flag and sections, without sequence or timestamp.
func (p *PacketBuffer) Payload() []byte {
	out := make([]byte, 0, 1+len(p.sections))
	if p.color {
		out = append(out, protocol.VoxelFlagColor)
	} else {
		out = append(out, 0)
	}
	return append(out, p.sections...)
}

// Finalize renders the wire packet.
func (p *PacketBuffer) Finalize(seq uint16, sentAt time.Time) []byte {
	return protocol.AppendVoxelPacket(make([]byte, 0, p.Len()), p.color, seq, sentAt, p.sections)
}
