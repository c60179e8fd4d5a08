package protocol

import (
	"time"

	"voxelstream.ai/internal/octree"
)

// SceneStats summarizes one completed scene for the client.
type SceneStats struct {
	Packets          uint64
	Bytes            uint64
	Encoded          uint64
	Traversed        uint64
	SkippedDistance  uint64
	SkippedOutOfView uint64
	SkippedWasInView uint64
	SkippedNoChange  uint64
	SkippedOccluded  uint64
	Elapsed          time.Duration
	MaxLevel         int
	Full             bool
	FrustumTriggered bool
}

func EncodeStats(s SceneStats) []byte {
	e := NewEncoder(KindStats)
	for _, v := range []uint64{
		s.Packets, s.Bytes, s.Encoded, s.Traversed,
		s.SkippedDistance, s.SkippedOutOfView, s.SkippedWasInView,
		s.SkippedNoChange, s.SkippedOccluded,
		uint64(s.Elapsed.Microseconds()), uint64(s.MaxLevel),
	} {
		e.WriteUvarint(v)
	}
	e.WriteBool(s.Full)
	e.WriteBool(s.FrustumTriggered)
	return e.Bytes()
}

func DecodeStats(pkt []byte) (SceneStats, error) {
	d, err := expect(pkt, KindStats)
	if err != nil {
		return SceneStats{}, err
	}
	return readStats(d)
}

func readStats(d *Decoder) (SceneStats, error) {
	var s SceneStats
	for _, p := range []*uint64{
		&s.Packets, &s.Bytes, &s.Encoded, &s.Traversed,
		&s.SkippedDistance, &s.SkippedOutOfView, &s.SkippedWasInView,
		&s.SkippedNoChange, &s.SkippedOccluded,
	} {
		*p = d.ReadUvarint()
	}
	s.Elapsed = time.Duration(d.ReadUvarint()) * time.Microsecond
	s.MaxLevel = int(d.ReadUvarint())
	s.Full = d.ReadBool()
	s.FrustumTriggered = d.ReadBool()
	return s, d.Err()
}

// Piggyback places a stats packet in front of a voxel packet so both
// travel as one message.
func Piggyback(stats, voxel []byte) []byte {
	out := make([]byte, 0, len(stats)+len(voxel))
	return append(append(out, stats...), voxel...)
}

// SplitPiggyback undoes Piggyback. rest is the trailing voxel packet and
// may be empty when the stats were sent alone.
func SplitPiggyback(msg []byte) (SceneStats, []byte, error) {
	d, err := expect(msg, KindStats)
	if err != nil {
		return SceneStats{}, nil, err
	}
	s, err := readStats(d)
	if err != nil {
		return SceneStats{}, nil, err
	}
	return s, d.Rest(), nil
}

// Environment is the periodic server-state broadcast.
type Environment struct {
	ServerTime time.Time
	Voxels     int
	Clients    int
}

func EncodeEnvironment(env Environment) []byte {
	e := NewEncoder(KindEnvironment)
	e.WriteUint64(Micros(env.ServerTime))
	e.WriteUvarint(uint64(env.Voxels))
	e.WriteUvarint(uint64(env.Clients))
	return e.Bytes()
}

func DecodeEnvironment(pkt []byte) (Environment, error) {
	d, err := expect(pkt, KindEnvironment)
	if err != nil {
		return Environment{}, err
	}
	env := Environment{
		ServerTime: FromMicros(d.ReadUint64()),
		Voxels:     int(d.ReadUvarint()),
		Clients:    int(d.ReadUvarint()),
	}
	return env, d.Err()
}

// EncodeJurisdiction describes the region this server is authoritative
// for. An unlimited region is sent with no root.
func EncodeJurisdiction(r octree.Region) []byte {
	e := NewEncoder(KindJurisdiction)
	if r.Unlimited() {
		e.WriteBool(false)
		return e.Bytes()
	}
	e.WriteBool(true)
	e.WriteBytes(r.Root)
	e.WriteUvarint(uint64(len(r.EndNodes)))
	for _, c := range r.EndNodes {
		e.WriteBytes(c)
	}
	return e.Bytes()
}

func DecodeJurisdiction(pkt []byte) (octree.Region, error) {
	d, err := expect(pkt, KindJurisdiction)
	if err != nil {
		return octree.Region{}, err
	}
	if !d.ReadBool() {
		return octree.Region{}, d.Err()
	}
	readCode := func() (octree.Code, error) {
		c, n, err := octree.ParseCode(d.Rest())
		if err != nil {
			return nil, err
		}
		d.Skip(n)
		return c.Clone(), nil
	}
	var r octree.Region
	if r.Root, err = readCode(); err != nil {
		return octree.Region{}, err
	}
	count := d.ReadUvarint()
	if err := d.Err(); err != nil {
		return octree.Region{}, err
	}
	for i := uint64(0); i < count; i++ {
		c, err := readCode()
		if err != nil {
			return octree.Region{}, err
		}
		r.EndNodes = append(r.EndNodes, c)
	}
	return r, nil
}

// EncodeCommand wraps an admin command string.
func EncodeCommand(cmd string) []byte {
	e := NewEncoder(KindCommand)
	e.WriteString(cmd)
	return e.Bytes()
}

func DecodeCommand(pkt []byte) (string, error) {
	d, err := expect(pkt, KindCommand)
	if err != nil {
		return "", err
	}
	s := d.ReadString()
	return s, d.Err()
}

// EncodeJurisdictionRequest builds the empty request packet.
func EncodeJurisdictionRequest() []byte {
	return AppendHeader(nil, KindJurisdictionRequest)
}
