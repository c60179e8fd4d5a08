package octree

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/frustum"
)

func TestCoverageMap(t *testing.T) {
	m := NewCoverageMap()
	full := frustum.Rect{MinX: -0.5, MinY: -0.5, MaxX: 0.5, MaxY: 0.5}
	inner := frustum.Rect{MinX: -0.25, MinY: -0.25, MaxX: 0.25, MaxY: 0.25}

	assert.False(t, m.Occluded(inner, 10))

	m.Cover(full, 5)
	assert.Positive(t, m.Covered())
	assert.True(t, m.Occluded(inner, 10), "behind a nearer cover")
	assert.False(t, m.Occluded(inner, 4), "in front of the cover")

	wide := frustum.Rect{MinX: -0.9, MinY: -0.25, MaxX: 0.25, MaxY: 0.25}
	assert.False(t, m.Occluded(wide, 10), "sticks out past the covered cells")

	offscreen := frustum.Rect{MinX: 2, MinY: 2, MaxX: 3, MaxY: 3}
	assert.False(t, m.Occluded(offscreen, 10))

	m.Reset()
	assert.Zero(t, m.Covered())
	assert.False(t, m.Occluded(inner, 10))
}

func TestEncodeOcclusionSkipsHiddenSubtrees(t *testing.T) {
	tree := New(WithScale(16))
	// A solid wall of level-1 leaves at z in [8,16] hides the subtree
	// under (0,0) from a camera looking down -Z.
	for _, idx := range []uint8{1, 3, 5, 7} {
		set(t, tree, FromSections(idx), red)
	}
	set(t, tree, FromSections(0, 0, 0), red)

	view := camera(mgl64.Vec3{8, 8, 40})
	cov := NewCoverageMap()
	params := EncodeParams{View: view, WantColor: true, FullScene: true, Coverage: cov}

	res := tree.Encode(tree.Root(), 1500, params)
	require.NotEmpty(t, res.Data)
	assert.Positive(t, cov.Covered())
	assert.Equal(t, 1, res.Stats.SkippedOccluded)
	assert.Len(t, painted(t, res.Data, true), 4)
}
