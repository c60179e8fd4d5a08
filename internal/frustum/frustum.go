// Package frustum models a client camera as a view frustum and answers the
// visibility questions the distribution path asks of it: where a box lies
// relative to the frustum, how far it is from the eye, and what screen
// rectangle it covers.
package frustum

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Near-equality thresholds for IsVerySimilar.
const (
	PositionSimilarEnough          = 5.0  // meters
	OrientationSimilarEnough       = 10.0 // degrees
	EyeOffsetPositionSimilarEnough = 0.15 // meters
	EyeOffsetOrientSimilarEnough   = 10.0 // degrees

	scalarEpsilon = 1e-3
)

// Location is where a box lies relative to a frustum.
type Location int

const (
	Outside Location = iota
	Intersect
	Inside
)

func (l Location) String() string {
	switch l {
	case Outside:
		return "outside"
	case Intersect:
		return "intersect"
	case Inside:
		return "inside"
	default:
		return "unknown"
	}
}

// Box is an axis-aligned cube in world space.
type Box struct {
	Corner mgl64.Vec3
	Size   float64
}

func (b Box) Center() mgl64.Vec3 {
	h := b.Size / 2
	return b.Corner.Add(mgl64.Vec3{h, h, h})
}

func (b Box) Max() mgl64.Vec3 {
	return b.Corner.Add(mgl64.Vec3{b.Size, b.Size, b.Size})
}

func (b Box) corners() [8]mgl64.Vec3 {
	var out [8]mgl64.Vec3
	for i := 0; i < 8; i++ {
		v := b.Corner
		if i&4 != 0 {
			v[0] += b.Size
		}
		if i&2 != 0 {
			v[1] += b.Size
		}
		if i&1 != 0 {
			v[2] += b.Size
		}
		out[i] = v
	}
	return out
}

// Rect is a screen-space rectangle in normalized device coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

type plane struct {
	normal mgl64.Vec3
	d      float64
}

func (p plane) distance(v mgl64.Vec3) float64 {
	return p.normal.Dot(v) + p.d
}

// ViewFrustum is a value type. Call Calculate after changing any exported
// field; the derived planes and matrices are stale until then.
type ViewFrustum struct {
	Position             mgl64.Vec3
	Orientation          mgl64.Quat
	FieldOfView          float64 // vertical, radians
	AspectRatio          float64
	NearClip             float64
	FarClip              float64
	EyeOffsetPosition    mgl64.Vec3
	EyeOffsetOrientation mgl64.Quat

	eye        mgl64.Vec3
	direction  mgl64.Vec3
	viewProj   mgl64.Mat4
	planes     [6]plane
	calculated bool
}

// Default returns a frustum at the origin looking down -Z with a 45 degree
// vertical field of view.
func Default() ViewFrustum {
	f := ViewFrustum{
		Orientation:          mgl64.QuatIdent(),
		FieldOfView:          mgl64.DegToRad(45),
		AspectRatio:          16.0 / 9.0,
		NearClip:             0.1,
		FarClip:              1024,
		EyeOffsetOrientation: mgl64.QuatIdent(),
	}
	f.Calculate()
	return f
}

// Calculate derives the eye, view-projection matrix and clip planes.
func (f *ViewFrustum) Calculate() {
	orient := f.Orientation.Normalize().Mul(f.EyeOffsetOrientation.Normalize())
	f.eye = f.Position.Add(f.Orientation.Normalize().Rotate(f.EyeOffsetPosition))
	f.direction = orient.Rotate(mgl64.Vec3{0, 0, -1})
	up := orient.Rotate(mgl64.Vec3{0, 1, 0})

	aspect := f.AspectRatio
	if aspect <= 0 {
		aspect = 1
	}
	near, far := f.NearClip, f.FarClip
	if near <= 0 {
		near = 0.1
	}
	if far <= near {
		far = near + 1
	}
	view := mgl64.LookAtV(f.eye, f.eye.Add(f.direction), up)
	proj := mgl64.Perspective(f.FieldOfView, aspect, near, far)
	f.viewProj = proj.Mul4(view)

	r0, r1, r2, r3 := f.viewProj.Row(0), f.viewProj.Row(1), f.viewProj.Row(2), f.viewProj.Row(3)
	raw := [6]mgl64.Vec4{
		r3.Add(r0), // left
		r3.Sub(r0), // right
		r3.Add(r1), // bottom
		r3.Sub(r1), // top
		r3.Add(r2), // near
		r3.Sub(r2), // far
	}
	for i, p := range raw {
		n := p.Vec3()
		l := n.Len()
		if l == 0 {
			l = 1
		}
		f.planes[i] = plane{normal: n.Mul(1 / l), d: p.W() / l}
	}
	f.calculated = true
}

// Eye is the effective camera position including the eye offset.
func (f *ViewFrustum) Eye() mgl64.Vec3 {
	f.ensure()
	return f.eye
}

func (f *ViewFrustum) ensure() {
	if !f.calculated {
		f.Calculate()
	}
}

// BoxLocation reports whether b is fully outside, straddling or fully
// inside the frustum.
func (f *ViewFrustum) BoxLocation(b Box) Location {
	f.ensure()
	result := Inside
	lo, hi := b.Corner, b.Max()
	for _, p := range f.planes {
		var pos, neg mgl64.Vec3
		for axis := 0; axis < 3; axis++ {
			if p.normal[axis] >= 0 {
				pos[axis], neg[axis] = hi[axis], lo[axis]
			} else {
				pos[axis], neg[axis] = lo[axis], hi[axis]
			}
		}
		if p.distance(pos) < 0 {
			return Outside
		}
		if p.distance(neg) < 0 {
			result = Intersect
		}
	}
	return result
}

// DistanceTo is the distance from the eye to v.
func (f *ViewFrustum) DistanceTo(v mgl64.Vec3) float64 {
	f.ensure()
	return f.eye.Sub(v).Len()
}

// Project returns the screen rectangle covered by b along with the nearest
// and farthest view depth of its corners. ok is false when any corner lies
// behind the eye, in which case the rectangle is meaningless.
func (f *ViewFrustum) Project(b Box) (r Rect, near, far float64, ok bool) {
	f.ensure()
	r = Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	near, far = math.Inf(1), math.Inf(-1)
	for _, c := range b.corners() {
		clip := f.viewProj.Mul4x1(c.Vec4(1))
		w := clip.W()
		if w <= 1e-9 {
			return Rect{}, 0, 0, false
		}
		x, y := clip.X()/w, clip.Y()/w
		r.MinX, r.MaxX = math.Min(r.MinX, x), math.Max(r.MaxX, x)
		r.MinY, r.MaxY = math.Min(r.MinY, y), math.Max(r.MaxY, y)
		near, far = math.Min(near, w), math.Max(far, w)
	}
	return r, near, far, true
}

// IsVerySimilar reports whether two frusta are close enough that the
// difference is not worth restarting a scene for.
func (f ViewFrustum) IsVerySimilar(o ViewFrustum) bool {
	if f.Position.Sub(o.Position).Len() > PositionSimilarEnough {
		return false
	}
	if angleDegrees(f.Orientation, o.Orientation) > OrientationSimilarEnough {
		return false
	}
	if f.EyeOffsetPosition.Sub(o.EyeOffsetPosition).Len() > EyeOffsetPositionSimilarEnough {
		return false
	}
	if angleDegrees(f.EyeOffsetOrientation, o.EyeOffsetOrientation) > EyeOffsetOrientSimilarEnough {
		return false
	}
	return near(f.FieldOfView, o.FieldOfView) &&
		near(f.AspectRatio, o.AspectRatio) &&
		near(f.NearClip, o.NearClip) &&
		near(f.FarClip, o.FarClip)
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= scalarEpsilon
}

func angleDegrees(a, b mgl64.Quat) float64 {
	a, b = a.Normalize(), b.Normalize()
	dot := math.Abs(a.Dot(b))
	if dot > 1 {
		dot = 1
	}
	return mgl64.RadToDeg(2 * math.Acos(dot))
}
