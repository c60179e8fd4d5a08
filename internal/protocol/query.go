package protocol

import "github.com/go-gl/mathgl/mgl64"

// Query flag bits.
const (
	QueryWantColor byte = 1 << iota
	QueryWantDelta
	QueryWantLowResMoving
	QueryWantOcclusion
)

// Query is a client's camera and streaming preferences.
type Query struct {
	Position             mgl64.Vec3
	Orientation          mgl64.Quat
	FieldOfView          float64
	AspectRatio          float64
	NearClip             float64
	FarClip              float64
	EyeOffsetPosition    mgl64.Vec3
	EyeOffsetOrientation mgl64.Quat

	WantColor           bool
	WantDelta           bool
	WantLowResMoving    bool
	WantOcclusion       bool
	MaxPacketsPerSecond int
	SizeScale           float64
	BoundaryLevelAdjust int
}

func (q Query) flags() byte {
	var f byte
	if q.WantColor {
		f |= QueryWantColor
	}
	if q.WantDelta {
		f |= QueryWantDelta
	}
	if q.WantLowResMoving {
		f |= QueryWantLowResMoving
	}
	if q.WantOcclusion {
		f |= QueryWantOcclusion
	}
	return f
}

func writeVec3(e *Encoder, v mgl64.Vec3) {
	for _, c := range v {
		e.WriteFloat32(float32(c))
	}
}

func writeQuat(e *Encoder, q mgl64.Quat) {
	e.WriteFloat32(float32(q.W))
	writeVec3(e, q.V)
}

func readVec3(d *Decoder) mgl64.Vec3 {
	return mgl64.Vec3{float64(d.ReadFloat32()), float64(d.ReadFloat32()), float64(d.ReadFloat32())}
}

func readQuat(d *Decoder) mgl64.Quat {
	w := float64(d.ReadFloat32())
	return mgl64.Quat{W: w, V: readVec3(d)}
}

func EncodeQuery(q Query) []byte {
	e := NewEncoder(KindQuery)
	writeVec3(e, q.Position)
	writeQuat(e, q.Orientation)
	e.WriteFloat32(float32(q.FieldOfView))
	e.WriteFloat32(float32(q.AspectRatio))
	e.WriteFloat32(float32(q.NearClip))
	e.WriteFloat32(float32(q.FarClip))
	writeVec3(e, q.EyeOffsetPosition)
	writeQuat(e, q.EyeOffsetOrientation)
	e.WriteUint8(q.flags())
	e.WriteUint32(uint32(max(q.MaxPacketsPerSecond, 0)))
	e.WriteFloat32(float32(q.SizeScale))
	e.WriteUint8(byte(int8(q.BoundaryLevelAdjust)))
	return e.Bytes()
}

func DecodeQuery(pkt []byte) (Query, error) {
	d, err := expect(pkt, KindQuery)
	if err != nil {
		return Query{}, err
	}
	var q Query
	q.Position = readVec3(d)
	q.Orientation = readQuat(d)
	q.FieldOfView = float64(d.ReadFloat32())
	q.AspectRatio = float64(d.ReadFloat32())
	q.NearClip = float64(d.ReadFloat32())
	q.FarClip = float64(d.ReadFloat32())
	q.EyeOffsetPosition = readVec3(d)
	q.EyeOffsetOrientation = readQuat(d)
	f := d.ReadUint8()
	q.WantColor = f&QueryWantColor != 0
	q.WantDelta = f&QueryWantDelta != 0
	q.WantLowResMoving = f&QueryWantLowResMoving != 0
	q.WantOcclusion = f&QueryWantOcclusion != 0
	q.MaxPacketsPerSecond = int(d.ReadUint32())
	q.SizeScale = float64(d.ReadFloat32())
	q.BoundaryLevelAdjust = int(int8(d.ReadUint8()))
	if err := d.Err(); err != nil {
		return Query{}, err
	}
	return q, nil
}
