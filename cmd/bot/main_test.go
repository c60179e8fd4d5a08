package main

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
)

func TestPaintPacketDecodes(t *testing.T) {
	b := newBot(rand.New(rand.NewSource(1)), 3)
	now := time.Unix(1_700_000_000, 0)
	pkt := b.paintPacket(now)

	r, err := protocol.NewEditReader(pkt)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSetVoxel, r.Kind)
	assert.Equal(t, uint16(1), r.Header.Sequence)
	ed, err := r.NextEdit()
	require.NoError(t, err)
	assert.Equal(t, 3, ed.Code.Len())
	assert.False(t, r.More())

	b.paintPacket(now)
	assert.Equal(t, uint16(2), b.seq)
}

func TestHandleCountsServerPackets(t *testing.T) {
	b := newBot(rand.New(rand.NewSource(1)), 2)
	sent := time.Unix(1_700_000_000, 0)
	now := sent.Add(15 * time.Millisecond)

	voxel := protocol.AppendVoxelPacket(nil, true, 1, sent, []byte{1, 2, 3})
	b.handle(voxel, now)
	b.handle(protocol.Piggyback(protocol.EncodeStats(protocol.SceneStats{Packets: 1}), voxel), now)
	b.handle(protocol.EncodeEnvironment(protocol.Environment{ServerTime: sent, Voxels: 42, Clients: 3}), now)
	b.handle(protocol.EncodeJurisdiction(octree.Region{Root: octree.FromSections(2)}), now)
	b.handle(protocol.EncodeCommand("erase-all"), now)
	b.handle([]byte{0}, now)

	st := b.snapshot()
	assert.Equal(t, 2, st.VoxelPackets)
	assert.Equal(t, 2*len(voxel), st.VoxelBytes)
	assert.Equal(t, 1, st.Stats)
	assert.Equal(t, 1, st.Environment)
	assert.Equal(t, 42, st.ServerVoxels)
	assert.Equal(t, 3, st.Clients)
	assert.Equal(t, 1, st.Jurisdiction)
	assert.True(t, st.Region.Root.Equal(octree.FromSections(2)))
	assert.Equal(t, 1, st.Commands)
	assert.Equal(t, 1, st.Undecodable)
	assert.Equal(t, 15*time.Millisecond, st.LastLatency)
}

func TestQueryOrbitsCenter(t *testing.T) {
	b := newBot(rand.New(rand.NewSource(1)), 2)
	for _, d := range []time.Duration{0, 3 * time.Second, time.Minute} {
		q := b.query(d)
		assert.True(t, q.WantColor)
		dx, dz := q.Position[0]-0.5, q.Position[2]-0.5
		assert.InDelta(t, 1.5, math.Hypot(dx, dz), 1e-9)
		assert.Greater(t, q.FarClip, q.NearClip)
	}
}
