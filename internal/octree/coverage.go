package octree

import (
	"math"

	"voxelstream.ai/internal/frustum"
)

const coverageCells = 64

// CoverageMap tracks how much of the screen is already covered by sent
// leaves and at what depth. It is owned by one session and not safe for
// concurrent use.
type CoverageMap struct {
	depth [coverageCells * coverageCells]float64
	used  int
}

func NewCoverageMap() *CoverageMap {
	m := &CoverageMap{}
	m.Reset()
	return m
}

func (m *CoverageMap) Reset() {
	for i := range m.depth {
		m.depth[i] = math.Inf(1)
	}
	m.used = 0
}

// Covered is the number of cells holding a depth.
func (m *CoverageMap) Covered() int { return m.used }

// Occluded reports whether every cell touched by r is covered by something
// nearer than minDepth.
func (m *CoverageMap) Occluded(r frustum.Rect, minDepth float64) bool {
	x0, y0, x1, y1, ok := touchedCells(r)
	if !ok {
		return false
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !(m.depth[y*coverageCells+x] < minDepth) {
				return false
			}
		}
	}
	return true
}

// Cover records that every cell fully inside r is hidden beyond farDepth.
func (m *CoverageMap) Cover(r frustum.Rect, farDepth float64) {
	x0 := int(math.Ceil(toCell(r.MinX)))
	y0 := int(math.Ceil(toCell(r.MinY)))
	x1 := int(math.Floor(toCell(r.MaxX))) - 1
	y1 := int(math.Floor(toCell(r.MaxY))) - 1
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, coverageCells-1), min(y1, coverageCells-1)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			i := y*coverageCells + x
			if math.IsInf(m.depth[i], 1) {
				m.used++
			}
			if farDepth < m.depth[i] {
				m.depth[i] = farDepth
			}
		}
	}
}

func toCell(ndc float64) float64 {
	return (ndc + 1) / 2 * coverageCells
}

func touchedCells(r frustum.Rect) (x0, y0, x1, y1 int, ok bool) {
	if r.MaxX < -1 || r.MinX > 1 || r.MaxY < -1 || r.MinY > 1 {
		return 0, 0, 0, 0, false
	}
	x0 = int(math.Floor(toCell(r.MinX)))
	y0 = int(math.Floor(toCell(r.MinY)))
	x1 = int(math.Ceil(toCell(r.MaxX))) - 1
	y1 = int(math.Ceil(toCell(r.MaxY))) - 1
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, coverageCells-1), min(y1, coverageCells-1)
	return x0, y0, x1, y1, x0 <= x1 && y0 <= y1
}
