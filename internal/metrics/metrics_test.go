package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() int { return 42 })

	m.PacketSent("voxel", 100)
	m.PacketSent("voxel", 50)
	m.PacketSent("stats", 10)
	m.SceneCompleted(true, false)
	m.DuplicateSuppressed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsSent.WithLabelValues("voxel")))
	assert.Equal(t, 160.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scenesCompleted.WithLabelValues("full", "natural")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.treeVoxels))

	n, err := testutil.GatherAndCount(reg, "voxelstream_duplicate_packets_suppressed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PacketSent("voxel", 1)
	m.ObserveEncode(time.Millisecond)
	m.ObserveIngest(time.Millisecond, time.Millisecond, 0)
	m.SceneCompleted(false, true)
	m.SnapshotWritten(3)
	m.MirrorUpload(false)
}
