package octree

import (
	"math"
	"math/bits"
	"time"

	"voxelstream.ai/internal/frustum"
)

// bodyHeader is exists mask, colored mask and child mask.
const bodyHeader = 3

// StopReason says why an encode call returned before exhausting its subtree.
type StopReason int

const (
	StopNone StopReason = iota
	StopDidntFit
	StopDeadline
)

func (r StopReason) String() string {
	switch r {
	case StopDidntFit:
		return "didnt_fit"
	case StopDeadline:
		return "deadline"
	default:
		return "none"
	}
}

// Jurisdiction decides whether a subtree belongs to this server.
type Jurisdiction interface {
	Contains(code Code) bool
}

// EncodeParams carries the per-session knobs that decide what a subtree
// encode includes.
type EncodeParams struct {
	// View disables frustum culling and LOD when nil.
	View *frustum.ViewFrustum
	// LastView is the frustum the previous completed scene was sent for.
	LastView *frustum.ViewFrustum

	WantColor bool
	Delta     bool
	FullScene bool
	// SentAsOf is the start of the last completed scene. Zero means the
	// client has nothing yet.
	SentAsOf time.Time

	SizeScale           float64
	BoundaryLevelAdjust int
	MaxLevel            int

	Coverage     *CoverageMap
	Jurisdiction Jurisdiction
	// Deadline stops descent once passed. Zero means no deadline.
	Deadline time.Time
}

type EncodeStats struct {
	Traversed        int
	Encoded          int
	Colors           int
	SkippedDistance  int
	SkippedOutOfView int
	SkippedWasInView int
	SkippedNoChange  int
	SkippedOccluded  int
	SkippedForeign   int
}

func (s *EncodeStats) Add(o EncodeStats) {
	s.Traversed += o.Traversed
	s.Encoded += o.Encoded
	s.Colors += o.Colors
	s.SkippedDistance += o.SkippedDistance
	s.SkippedOutOfView += o.SkippedOutOfView
	s.SkippedWasInView += o.SkippedWasInView
	s.SkippedNoChange += o.SkippedNoChange
	s.SkippedOccluded += o.SkippedOccluded
	s.SkippedForeign += o.SkippedForeign
}

// EncodeResult is one section of a voxel packet. Leftover holds subtrees
// that were visible but not written; the caller requeues them.
type EncodeResult struct {
	Data     []byte
	Leftover []*Node
	Stop     StopReason
	MaxLevel int
	Stats    EncodeStats
}

type action int

const (
	skip action = iota
	paint
	descend
)

type encoder struct {
	t        *Octree
	p        EncodeParams
	limit    int
	buf      []byte
	leftover []*Node
	stop     StopReason
	maxLevel int
	stats    EncodeStats
}

func encode(t *Octree, n *Node, capacity int, p EncodeParams) EncodeResult {
	if n == nil || n.removed {
		return EncodeResult{}
	}
	e := &encoder{t: t, p: p, limit: capacity}
	if n != t.root && e.classify(n) != descend {
		return e.result(nil)
	}
	codeLen := n.code.ByteLen()
	if codeLen+bodyHeader > capacity {
		return EncodeResult{Leftover: []*Node{n}, Stop: StopDidntFit, Stats: e.stats}
	}
	e.buf = make([]byte, 0, capacity)
	e.buf = append(e.buf, n.code...)
	switch e.body(n) {
	case bodyWritten:
		return e.result(e.buf)
	case bodyDeferred:
		e.leftover = append(e.leftover, n)
	}
	return e.result(nil)
}

func (e *encoder) result(data []byte) EncodeResult {
	return EncodeResult{
		Data:     data,
		Leftover: e.leftover,
		Stop:     e.stop,
		MaxLevel: e.maxLevel,
		Stats:    e.stats,
	}
}

type bodyResult int

const (
	bodyEmpty bodyResult = iota
	bodyWritten
	bodyDeferred
)

func (e *encoder) body(n *Node) bodyResult {
	var exists, colored byte
	var paints []*Node
	var kids []*Node
	for i, c := range n.children {
		if c == nil {
			continue
		}
		exists |= 1 << i
		switch e.classify(c) {
		case paint:
			colored |= 1 << i
			paints = append(paints, c)
		case descend:
			kids = append(kids, c)
		}
	}

	need := bodyHeader
	if e.p.WantColor {
		need += 3 * bits.OnesCount8(colored)
	}
	if len(e.buf)+need > e.limit {
		e.stop = StopDidntFit
		return bodyDeferred
	}

	start := len(e.buf)
	e.buf = append(e.buf, exists, colored)
	for _, c := range paints {
		if e.p.WantColor {
			e.buf = append(e.buf, c.color[0], c.color[1], c.color[2])
			e.stats.Colors++
		}
		e.cover(c)
		e.maxLevel = max(e.maxLevel, c.Level())
	}
	maskAt := len(e.buf)
	e.buf = append(e.buf, 0)

	var recursed byte
	for _, c := range kids {
		if !e.p.Deadline.IsZero() && !e.t.clock.Now().Before(e.p.Deadline) {
			e.stop = StopDeadline
			e.leftover = append(e.leftover, c)
			continue
		}
		if e.occluded(c) {
			e.stats.SkippedOccluded++
			continue
		}
		if len(e.buf)+bodyHeader > e.limit {
			e.stop = StopDidntFit
			e.leftover = append(e.leftover, c)
			continue
		}
		mark := len(e.buf)
		switch e.body(c) {
		case bodyWritten:
			recursed |= 1 << c.childIndex()
		case bodyDeferred:
			e.buf = e.buf[:mark]
			e.leftover = append(e.leftover, c)
		default:
			e.buf = e.buf[:mark]
		}
	}
	e.buf[maskAt] = recursed

	if colored == 0 && recursed == 0 && !e.exists(n) {
		e.buf = e.buf[:start]
		return bodyEmpty
	}
	e.stats.Encoded++
	e.maxLevel = max(e.maxLevel, n.Level())
	return bodyWritten
}

// exists reports whether an otherwise empty body must still be sent so the
// client can prune children it holds but the tree no longer has.
func (e *encoder) exists(n *Node) bool {
	return !e.p.SentAsOf.IsZero() && n.ChangedSince(e.p.SentAsOf)
}

func (e *encoder) classify(c *Node) action {
	e.stats.Traversed++
	if e.p.Jurisdiction != nil && !e.p.Jurisdiction.Contains(c.code) {
		e.stats.SkippedForeign++
		return skip
	}
	level := c.Level()
	if e.p.MaxLevel > 0 && level > e.p.MaxLevel {
		e.stats.SkippedDistance++
		return skip
	}
	leaf := c.IsLeaf()
	asLeaf := leaf || (e.p.MaxLevel > 0 && level == e.p.MaxLevel)

	if v := e.p.View; v != nil {
		box := c.code.Box(e.t.scale)
		loc := v.BoxLocation(box)
		if loc == frustum.Outside {
			e.stats.SkippedOutOfView++
			return skip
		}
		dist := v.DistanceTo(box.Center())
		if !(dist < e.boundary(level)) {
			e.stats.SkippedDistance++
			return skip
		}
		if !leaf && !(dist < e.boundary(level+1)) {
			asLeaf = true
		}
		if e.p.Delta && e.p.LastView != nil {
			last := e.p.LastView.BoxLocation(box)
			wasInView := (leaf && last != frustum.Outside) || (!leaf && last == frustum.Inside)
			if wasInView && !c.ChangedSince(e.p.SentAsOf) {
				e.stats.SkippedWasInView++
				return skip
			}
		}
	}
	if !e.p.FullScene && !e.p.Delta && !c.ChangedSince(e.p.SentAsOf) {
		e.stats.SkippedNoChange++
		return skip
	}
	if asLeaf {
		if !c.colored {
			return skip
		}
		return paint
	}
	return descend
}

// occluded is checked at descent time so that leaves painted by earlier
// siblings already count.
func (e *encoder) occluded(c *Node) bool {
	if e.p.Coverage == nil || e.p.View == nil {
		return false
	}
	r, near, _, ok := e.p.View.Project(c.code.Box(e.t.scale))
	return ok && e.p.Coverage.Occluded(r, near)
}

func (e *encoder) cover(c *Node) {
	if e.p.Coverage == nil || e.p.View == nil {
		return
	}
	if r, _, far, ok := e.p.View.Project(c.code.Box(e.t.scale)); ok {
		e.p.Coverage.Cover(r, far)
	}
}

// boundary is the distance beyond which nodes at level are too small to draw.
func (e *encoder) boundary(level int) float64 {
	scale := e.p.SizeScale
	if scale <= 0 {
		scale = DefaultSizeScale
	}
	return scale / math.Pow(2, float64(level+e.p.BoundaryLevelAdjust))
}

// DefaultSizeScale puts the level-N boundary at 400 root edges divided by 2^N.
const DefaultSizeScale = DefaultScale * 400
