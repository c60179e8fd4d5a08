// Package protocol is the binary wire format spoken between clients and
// the voxel server. Every packet starts with a two-byte header: kind, then
// protocol version.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

const Version byte = 1

// HeaderSize is the kind and version bytes.
const HeaderSize = 2

// MaxPacketSize is the default wire packet ceiling.
const MaxPacketSize = 1500

type Kind byte

// Inbound kinds.
const (
	KindQuery               Kind = 0x01
	KindSetVoxel            Kind = 0x02
	KindSetVoxelDestructive Kind = 0x03
	KindEraseVoxel          Kind = 0x04
	KindJurisdictionRequest Kind = 0x05
	KindCommand             Kind = 0x06
)

// Outbound kinds. KindCommand is also used for rebroadcasts.
const (
	KindVoxelData    Kind = 0x10
	KindStats        Kind = 0x11
	KindEnvironment  Kind = 0x12
	KindJurisdiction Kind = 0x13
)

var kindNames = map[Kind]string{
	KindQuery:               "query",
	KindSetVoxel:            "set_voxel",
	KindSetVoxelDestructive: "set_voxel_destructive",
	KindEraseVoxel:          "erase_voxel",
	KindJurisdictionRequest: "jurisdiction_request",
	KindCommand:             "command",
	KindVoxelData:           "voxel_data",
	KindStats:               "stats",
	KindEnvironment:         "environment",
	KindJurisdiction:        "jurisdiction",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// IsKnown reports whether k is part of the vocabulary.
func (k Kind) IsKnown() bool {
	_, ok := kindNames[k]
	return ok
}

var (
	ErrShortPacket     = errors.New("protocol: packet too short")
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	ErrUnexpectedKind  = errors.New("protocol: unexpected packet kind")
)

// AppendHeader writes the kind and version bytes.
func AppendHeader(b []byte, k Kind) []byte {
	return append(b, byte(k), Version)
}

// ParseHeader splits a packet into its kind and body. Packets from another
// protocol version are rejected.
func ParseHeader(pkt []byte) (Kind, []byte, error) {
	if len(pkt) < HeaderSize {
		return 0, nil, ErrShortPacket
	}
	if pkt[1] != Version {
		return Kind(pkt[0]), nil, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, pkt[1], Version)
	}
	return Kind(pkt[0]), pkt[HeaderSize:], nil
}

func expect(pkt []byte, want Kind) (*Decoder, error) {
	k, body, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	if k != want {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedKind, k)
	}
	return NewDecoder(body), nil
}

// Micros converts a timestamp to the wire representation.
func Micros(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMicro())
}

// FromMicros is the inverse of Micros.
func FromMicros(us uint64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(us))
}
