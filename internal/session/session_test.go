package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
)

func TestBagUniqueFIFO(t *testing.T) {
	tree := octree.New()
	g := tree.LockForWrite()
	for i := uint8(0); i < 3; i++ {
		_, err := g.SetVoxel(octree.FromSections(i, 0), octree.Color{1, 1, 1}, false)
		require.NoError(t, err)
	}
	a, b, c := g.NodeAt(octree.FromSections(0)), g.NodeAt(octree.FromSections(1)), g.NodeAt(octree.FromSections(2))
	g.Unlock()

	bag := NewBag()
	assert.True(t, bag.Insert(a))
	assert.True(t, bag.Insert(b))
	assert.False(t, bag.Insert(a), "already queued")
	assert.False(t, bag.Insert(nil))
	assert.True(t, bag.Insert(c))
	assert.Equal(t, 3, bag.Len())

	for _, want := range []*octree.Node{a, b, c} {
		got, ok := bag.Extract()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
	_, ok := bag.Extract()
	assert.False(t, ok)
	assert.True(t, bag.IsEmpty())

	assert.True(t, bag.Insert(a), "extracted nodes may be queued again")
	bag.Clear()
	assert.True(t, bag.IsEmpty())
	assert.False(t, bag.Contains(a))
}

func TestPacketBufferNeverExceedsMax(t *testing.T) {
	p := NewPacketBuffer(100)
	p.Reset(true)
	room := p.Available()
	assert.Equal(t, 100-protocol.VoxelHeaderSize, room)

	assert.True(t, p.TryAppend(make([]byte, room-10)))
	assert.False(t, p.TryAppend(make([]byte, 11)))
	assert.True(t, p.TryAppend(make([]byte, 10)))
	assert.False(t, p.TryAppend([]byte{1}))
	assert.Equal(t, 100, p.Len())

	pkt := p.Finalize(5, time.UnixMicro(10))
	assert.Len(t, pkt, 100)
	decoded, err := protocol.DecodeVoxelPacket(pkt)
	require.NoError(t, err)
	assert.True(t, decoded.Color)
	assert.Equal(t, uint16(5), decoded.Sequence)

	p.Reset(false)
	assert.False(t, p.HasContent())
	assert.False(t, p.IsColor())
}

func TestPacketPayloadIgnoresSequenceAndTime(t *testing.T) {
	p := NewPacketBuffer(0)
	p.Reset(true)
	p.TryAppend([]byte{1, 2, 3})
	first := p.Payload()
	assert.False(t, bytes.Equal(p.Finalize(1, time.UnixMicro(1)), p.Finalize(2, time.UnixMicro(2))))
	assert.Equal(t, first, p.Payload())

	p.Reset(false)
	p.TryAppend([]byte{1, 2, 3})
	assert.NotEqual(t, first, p.Payload(), "color mode is part of the payload")
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(time.Second)
	t0 := time.Unix(1000, 0)
	a := []byte("same")

	assert.False(t, d.ShouldSuppress(a, t0))
	assert.True(t, d.ShouldSuppress(a, t0.Add(10*time.Millisecond)), "second identical packet")
	assert.False(t, d.ShouldSuppress([]byte("other"), t0.Add(60*time.Millisecond)), "different packet goes out")

	assert.True(t, d.ShouldSuppress([]byte("other"), t0.Add(100*time.Millisecond)))
	assert.True(t, d.ShouldSuppress([]byte("other"), t0.Add(900*time.Millisecond)))
	assert.False(t, d.ShouldSuppress([]byte("other"), t0.Add(1200*time.Millisecond)), "window since the first duplicate has passed")
	assert.True(t, d.ShouldSuppress([]byte("other"), t0.Add(1300*time.Millisecond)), "a new streak starts")
	assert.Equal(t, uint64(4), d.Suppressed())

	d.Forget()
	assert.False(t, d.ShouldSuppress([]byte("other"), t0.Add(1400*time.Millisecond)))
}

func query(pos mgl64.Vec3) protocol.Query {
	return protocol.Query{
		Position:             pos,
		Orientation:          mgl64.QuatIdent(),
		FieldOfView:          mgl64.DegToRad(45),
		AspectRatio:          1,
		NearClip:             0.1,
		FarClip:              1000,
		EyeOffsetOrientation: mgl64.QuatIdent(),
		WantColor:            true,
		WantDelta:            true,
		WantLowResMoving:     true,
	}
}

func TestEvaluateFrustumTransitions(t *testing.T) {
	s := New("c1", Options{})

	assert.False(t, s.EvaluateFrustum(), "no query yet")
	assert.False(t, s.HasView())

	s.SetQuery(query(mgl64.Vec3{0, 0, 0}))
	assert.True(t, s.EvaluateFrustum())
	assert.True(t, s.FrustumChanging)
	assert.False(t, s.WantColor(), "low res while moving")
	assert.Equal(t, LowResMovingAdjust, s.BoundaryLevelAdjust())

	// Within the similarity threshold: not a change.
	s.SetQuery(query(mgl64.Vec3{1, 0, 0}))
	assert.False(t, s.EvaluateFrustum())
	assert.False(t, s.FrustumChanging)
	assert.True(t, s.FrustumJustStoppedChanging)
	assert.True(t, s.WantColor())

	// Drift accumulates against the frustum last accepted.
	s.SetQuery(query(mgl64.Vec3{6, 0, 0}))
	assert.True(t, s.EvaluateFrustum())
	assert.InDelta(t, 6, s.Current.Position.X(), 1e-9)
}

func TestJustStoppedWaitsForNaturalRefill(t *testing.T) {
	tree := octree.New()
	s := New("c1", Options{})
	s.SetQuery(query(mgl64.Vec3{}))
	require.True(t, s.EvaluateFrustum())
	s.StartScene(time.Unix(1, 0), true, false, tree.Root())
	s.RecordSent(100)

	require.False(t, s.EvaluateFrustum())
	require.True(t, s.FrustumJustStoppedChanging)
	assert.False(t, s.NeedsRefill(false), "bag still holds the scene")

	s.Bag.Clear()
	assert.True(t, s.NeedsRefill(false))
	assert.True(t, s.NeedsFullScene(false))
	s.StartScene(time.Unix(2, 0), true, false, tree.Root())
	assert.False(t, s.FrustumJustStoppedChanging)
}

func TestLODChangeIsDetected(t *testing.T) {
	s := New("c1", Options{})
	s.SetQuery(query(mgl64.Vec3{}))
	s.EvaluateFrustum()
	assert.False(t, s.LODChanged)

	q := query(mgl64.Vec3{})
	q.BoundaryLevelAdjust = 2
	s.SetQuery(q)
	assert.False(t, s.EvaluateFrustum(), "same camera")
	assert.True(t, s.LODChanged)
	assert.True(t, s.NeedsRefill(false))
	assert.True(t, s.NeedsFullScene(false))

	s.StartScene(time.Unix(1, 0), true, false, octree.New().Root())
	assert.False(t, s.LODChanged)
}

func TestSceneLifecycle(t *testing.T) {
	tree := octree.New()
	s := New("c1", Options{})
	s.SetQuery(query(mgl64.Vec3{}))
	s.EvaluateFrustum()
	assert.True(t, s.NeedsFullScene(true), "first scene is always full")

	start := time.Unix(100, 0)
	s.StartScene(start, true, false, tree.Root())
	assert.True(t, s.Bag.Contains(tree.Root()))

	s.RecordEncode(octree.EncodeResult{MaxLevel: 4, Stats: octree.EncodeStats{Encoded: 3}})
	s.RecordSent(200)
	s.Bag.Clear()
	s.FinishView(start.Add(time.Second))

	assert.True(t, s.ViewFullySent)
	assert.Equal(t, start, s.SentAsOf)
	assert.False(t, s.NeedsFullScene(false))

	st, ok := s.CloseScene(start.Add(2*time.Second), false)
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Packets)
	assert.Equal(t, 4, st.MaxLevel)
	assert.True(t, st.Full)
	require.True(t, s.HasPendingStats())
	decoded, err := protocol.DecodeStats(s.PendingStats())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), decoded.Encoded)

	_, ok = s.CloseScene(start.Add(3*time.Second), false)
	assert.False(t, ok, "scene already closed")
}

func TestSceneWithoutPacketsHasNoStats(t *testing.T) {
	s := New("c1", Options{})
	s.StartScene(time.Unix(1, 0), true, false, octree.New().Root())
	_, ok := s.CloseScene(time.Unix(2, 0), false)
	assert.True(t, ok)
	assert.False(t, s.HasPendingStats())
}
