package distribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/session"
)

type capture struct {
	mu     sync.Mutex
	pkts   [][]byte
	refuse bool
}

func (c *capture) SendPacket(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.pkts = append(c.pkts, append([]byte(nil), p...))
	return true
}

func (c *capture) packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pkts...)
}

func (c *capture) kinds() []protocol.Kind {
	var out []protocol.Kind
	for _, p := range c.packets() {
		out = append(out, protocol.Kind(p[0]))
	}
	return out
}

func testQuery() protocol.Query {
	return protocol.Query{
		Position:             mgl64.Vec3{4, 4, 40},
		Orientation:          mgl64.QuatIdent(),
		FieldOfView:          mgl64.DegToRad(45),
		AspectRatio:          1,
		NearClip:             0.1,
		FarClip:              1000,
		EyeOffsetOrientation: mgl64.QuatIdent(),
		WantColor:            true,
		SizeScale:            2000,
	}
}

func set(t *testing.T, tree *octree.Octree, c octree.Code, col octree.Color) {
	t.Helper()
	g := tree.LockForWrite()
	defer g.Unlock()
	_, err := g.SetVoxel(c, col, false)
	require.NoError(t, err)
}

func fill(t *testing.T, tree *octree.Octree, depth int) {
	t.Helper()
	g := tree.LockForWrite()
	defer g.Unlock()
	n := 0
	var rec func(path []uint8)
	rec = func(path []uint8) {
		if len(path) == depth {
			_, err := g.SetVoxel(octree.FromSections(path...), octree.Color{uint8(n), uint8(n >> 8), 7}, false)
			require.NoError(t, err)
			n++
			return
		}
		for i := uint8(0); i < 8; i++ {
			rec(append(append([]uint8(nil), path...), i))
		}
	}
	rec(nil)
}

func newTestWorker(tree Tree, clk *clock.Mock, cfg Config, opts ...Option) (*Worker, *capture) {
	sink := &capture{}
	s := session.New("c1", session.Options{MaxPacketSize: cfg.MaxPacketSize, DuplicateWindow: cfg.DuplicateWindow})
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewWorker(s, tree, sink, cfg, opts...), sink
}

func twoVoxelTree(t *testing.T, clk *clock.Mock) *octree.Octree {
	tree := octree.New(octree.WithScale(16), octree.WithClock(clk))
	set(t, tree, octree.FromSections(0, 0), octree.Color{255, 0, 0})
	set(t, tree, octree.FromSections(0, 1), octree.Color{0, 0, 255})
	return tree
}

func TestEmptyTreeSendsNothing(t *testing.T) {
	clk := clock.NewMock()
	tree := octree.New(octree.WithClock(clk))
	w, sink := newTestWorker(tree, clk, Config{})
	w.Session().SetQuery(testQuery())

	for i := 0; i < 5; i++ {
		clk.Add(DefaultInterval)
		assert.Zero(t, w.Step())
	}
	assert.Empty(t, sink.packets())
	assert.False(t, w.Session().HasPendingStats())
}

func TestNoQueryNoWork(t *testing.T) {
	clk := clock.NewMock()
	w, sink := newTestWorker(twoVoxelTree(t, clk), clk, Config{})
	assert.Zero(t, w.Step())
	assert.Empty(t, sink.packets())
}

func TestBudgetNeverExceeded(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pps   int
		quota int
	}{
		{"client limited", 120, 1},
		{"server limited", 0, DefaultPacketsPerInterval},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewMock()
			tree := octree.New(octree.WithScale(16), octree.WithClock(clk))
			fill(t, tree, 3)
			w, sink := newTestWorker(tree, clk, Config{MaxPacketSize: 128})
			q := testQuery()
			q.Position = mgl64.Vec3{8, 8, 40}
			q.MaxPacketsPerSecond = tc.pps
			w.Session().SetQuery(q)

			most := 0
			for i := 0; i < 30; i++ {
				clk.Add(DefaultInterval)
				n := w.Step()
				require.LessOrEqual(t, n, tc.quota)
				most = max(most, n)
			}
			assert.Equal(t, tc.quota, most)
			for _, p := range sink.packets() {
				assert.LessOrEqual(t, len(p), 128)
			}
		})
	}
}

func TestSceneCompletesOnceAndDeltasAfter(t *testing.T) {
	clk := clock.NewMock()
	tree := twoVoxelTree(t, clk)
	w, sink := newTestWorker(tree, clk, Config{})
	s := w.Session()
	s.SetQuery(testQuery())

	clk.Add(DefaultInterval)
	require.Equal(t, 1, w.Step())
	first, err := protocol.DecodeVoxelPacket(sink.packets()[0])
	require.NoError(t, err)
	assert.True(t, first.Color)
	assert.Equal(t, uint16(1), first.Sequence)
	assert.True(t, s.ViewFullySent)

	// The bag is empty, so the camera settling starts a new full scene at
	// this natural refill. Its packet is identical and suppressed, and the
	// first scene's stats go out alone.
	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step())
	assert.Equal(t, []protocol.Kind{protocol.KindVoxelData, protocol.KindStats}, sink.kinds())
	assert.Equal(t, uint64(1), s.Dedup.Suppressed())

	clk.Add(DefaultInterval)
	assert.Zero(t, w.Step(), "nothing changed since the last completed scene")
	clk.Add(DefaultInterval)
	assert.Zero(t, w.Step())

	clk.Add(DefaultInterval)
	set(t, tree, octree.FromSections(0, 2), octree.Color{0, 255, 0})
	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step())
	pkts := sink.packets()
	last, err := protocol.DecodeVoxelPacket(pkts[len(pkts)-1])
	require.NoError(t, err)
	assert.Equal(t, uint16(2), last.Sequence, "suppressed packets do not consume sequence numbers")
	assert.Less(t, len(last.Sections), len(first.Sections), "only the new voxel is resent")
}

func TestStableFrustumKeepsSceneInProgress(t *testing.T) {
	clk := clock.NewMock()
	tree := octree.New(octree.WithScale(16), octree.WithClock(clk))
	fill(t, tree, 3)
	w, _ := newTestWorker(tree, clk, Config{MaxPacketSize: 128})
	s := w.Session()
	q := testQuery()
	q.Position = mgl64.Vec3{8, 8, 40}
	q.MaxPacketsPerSecond = 120
	s.SetQuery(q)

	clk.Add(DefaultInterval)
	require.Equal(t, 1, w.Step())
	require.False(t, s.Bag.IsEmpty())
	start := s.Scene.Start
	queued := s.Bag.Len()

	clk.Add(DefaultInterval)
	w.Step()
	assert.True(t, s.FrustumJustStoppedChanging, "held until the next natural refill")
	assert.Equal(t, start, s.Scene.Start, "scene not restarted")
	assert.False(t, s.Bag.Len() == 1 && s.Bag.Contains(tree.Root()), "bag not re-seeded (had %d)", queued)

	for i := 0; i < 1000 && !s.Bag.IsEmpty(); i++ {
		clk.Add(DefaultInterval)
		w.Step()
		require.Equal(t, start, s.Scene.Start)
	}
	require.True(t, s.Bag.IsEmpty())
	require.True(t, s.ViewFullySent)

	clk.Add(DefaultInterval)
	w.Step()
	assert.True(t, s.Scene.Full, "settled camera gets a full scene at the natural refill")
	assert.Equal(t, clk.Now(), s.Scene.Start)
	assert.False(t, s.FrustumJustStoppedChanging)
}

func TestWorkerRunsAlongsideIngest(t *testing.T) {
	clk := clock.NewMock()
	tree := octree.New(octree.WithScale(16), octree.WithClock(clk))
	fill(t, tree, 2)
	w, sink := newTestWorker(tree, clk, Config{MaxPacketSize: 128})
	q := testQuery()
	q.Position = mgl64.Vec3{8, 8, 40}
	w.Session().SetQuery(q)

	p := ingest.New(tree, ingest.WithClock(clk))
	hdr := protocol.EditHeader{Sequence: 1}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			var pkt []byte
			if i%2 == 0 {
				pkt = protocol.EncodeErase(hdr, []octree.Code{octree.FromSections(uint8(i % 8))})
			} else {
				edit := protocol.Edit{Code: octree.FromSections(uint8(i%8), uint8(i%5)), Color: octree.Color{uint8(i), 1, 2}}
				pkt = protocol.EncodeSetVoxels(hdr, false, []protocol.Edit{edit})
			}
			p.Process(ingest.Packet{Data: pkt, Sender: "editor"})
		}
	}()

	for i := 0; i < 300; i++ {
		clk.Add(DefaultInterval)
		require.LessOrEqual(t, w.Step(), DefaultPacketsPerInterval)
	}
	close(stop)
	wg.Wait()
	for _, pkt := range sink.packets() {
		assert.LessOrEqual(t, len(pkt), 128)
	}
}

func TestRunDoesNotStepAfterCancel(t *testing.T) {
	clk := clock.NewMock()
	w, sink := newTestWorker(twoVoxelTree(t, clk), clk, Config{})
	w.Session().SetQuery(testQuery())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Empty(t, sink.packets())
			return
		default:
			clk.Add(DefaultInterval)
		}
	}
}

func TestFrustumChangeResetsScene(t *testing.T) {
	clk := clock.NewMock()
	tree := octree.New(octree.WithScale(16), octree.WithClock(clk))
	fill(t, tree, 3)
	w, sink := newTestWorker(tree, clk, Config{MaxPacketSize: 128})
	s := w.Session()
	q := testQuery()
	q.Position = mgl64.Vec3{8, 8, 40}
	q.MaxPacketsPerSecond = 120
	s.SetQuery(q)

	clk.Add(DefaultInterval)
	require.Equal(t, 1, w.Step())
	require.False(t, s.Bag.IsEmpty(), "scene still in progress")

	q.Position = mgl64.Vec3{8, 8, 80}
	s.SetQuery(q)
	clk.Add(DefaultInterval)
	require.Equal(t, 1, w.Step())

	assert.Equal(t, 1, s.Bag.Len())
	assert.True(t, s.Bag.Contains(tree.Root()))
	assert.True(t, s.Scene.Full)

	pkts := sink.packets()
	st, rest, err := protocol.SplitPiggyback(pkts[len(pkts)-1])
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, st.FrustumTriggered)
	assert.Equal(t, uint64(1), st.Packets)
}

type slowTree struct {
	clk   *clock.Mock
	root  *octree.Node
	calls int
}

func (s *slowTree) Root() *octree.Node { return s.root }

func (s *slowTree) Encode(*octree.Node, int, octree.EncodeParams) octree.EncodeResult {
	s.calls++
	s.clk.Add(5 * time.Millisecond)
	return octree.EncodeResult{Data: make([]byte, 100)}
}

func TestTimeBudgetStopsEncoding(t *testing.T) {
	clk := clock.NewMock()
	backing := octree.New(octree.WithClock(clk))
	fill(t, backing, 2)
	slow := &slowTree{clk: clk, root: backing.Root()}
	w, _ := newTestWorker(slow, clk, Config{Policy: BudgetPolicy{Interval: 16 * time.Millisecond}})
	s := w.Session()

	g := backing.LockForRead()
	for i := uint8(0); i < 10; i++ {
		s.Bag.Insert(g.NodeAt(octree.FromSections(i%8, i/8)))
	}
	g.Unlock()
	require.Equal(t, 10, s.Bag.Len())

	s.Packet.Reset(true)
	w.quota = 10
	w.encodeLoop(clk.Now())

	assert.Equal(t, 3, slow.calls)
	assert.Equal(t, 7, s.Bag.Len())
}

func pendingStats(s *session.State) {
	s.StartScene(time.Unix(1, 0), true, false, nil)
	s.RecordSent(100)
	s.CloseScene(time.Unix(2, 0), false)
}

func TestStatsRideAlongWhenTheyFit(t *testing.T) {
	clk := clock.NewMock()
	w, sink := newTestWorker(octree.New(), clk, Config{})
	s := w.Session()
	pendingStats(s)
	s.Packet.Reset(true)
	require.True(t, s.Packet.TryAppend([]byte{0, 1, 0, 0}))

	w.quota = 1
	w.flush(clk.Now())

	pkts := sink.packets()
	require.Len(t, pkts, 1)
	st, rest, err := protocol.SplitPiggyback(pkts[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Packets)
	vp, err := protocol.DecodeVoxelPacket(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 0}, vp.Sections)
	assert.False(t, s.HasPendingStats())
}

func TestStatsSentSeparatelyWhenPacketIsFull(t *testing.T) {
	clk := clock.NewMock()
	w, sink := newTestWorker(octree.New(), clk, Config{})
	s := w.Session()
	pendingStats(s)
	s.Packet.Reset(true)
	require.True(t, s.Packet.TryAppend(make([]byte, s.Packet.Available())))

	w.quota = 1
	w.flush(clk.Now())
	assert.Equal(t, []protocol.Kind{protocol.KindVoxelData}, sink.kinds())
	assert.True(t, s.HasPendingStats(), "no quota left for a second packet")

	s.Packet.TryAppend(make([]byte, s.Packet.Available()-1))
	w.sent, w.quota = 0, 2
	w.flush(clk.Now())
	assert.Equal(t, []protocol.Kind{protocol.KindVoxelData, protocol.KindStats, protocol.KindVoxelData}, sink.kinds())
	assert.False(t, s.HasPendingStats())
}

func TestRefusedPacketForcesFullResend(t *testing.T) {
	clk := clock.NewMock()
	w, sink := newTestWorker(twoVoxelTree(t, clk), clk, Config{})
	s := w.Session()
	s.SetQuery(testQuery())
	sink.refuse = true

	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step(), "a refused packet still spends quota")
	assert.True(t, s.ResendRequested)
	assert.Zero(t, s.Sequence)
	assert.True(t, s.NeedsFullScene(false))

	sink.refuse = false
	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step())
	assert.Equal(t, []protocol.Kind{protocol.KindVoxelData}, sink.kinds())
	assert.False(t, s.ResendRequested)
}

// An LOD change inside the duplicate window forces a full scene. The
// coarser scene differs from what was sent, so it is not suppressed.
func TestLODChangeInsideDuplicateWindow(t *testing.T) {
	clk := clock.NewMock()
	w, sink := newTestWorker(twoVoxelTree(t, clk), clk, Config{DuplicateWindow: time.Second})
	s := w.Session()
	s.SetQuery(testQuery())

	clk.Add(DefaultInterval)
	require.Equal(t, 1, w.Step())
	clk.Add(DefaultInterval)
	require.Equal(t, 1, w.Step())
	require.Equal(t, uint64(1), s.Dedup.Suppressed())

	q := testQuery()
	q.BoundaryLevelAdjust = 4
	s.SetQuery(q)
	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step())
	assert.True(t, s.Scene.Full)
	assert.Equal(t, uint64(1), s.Dedup.Suppressed())

	pkts := sink.packets()
	coarse, err := protocol.DecodeVoxelPacket(pkts[len(pkts)-1])
	require.NoError(t, err)
	fine, err := protocol.DecodeVoxelPacket(pkts[0])
	require.NoError(t, err)
	assert.NotEqual(t, fine.Sections, coarse.Sections)
}

type fixedClients int

func (f fixedClients) Count() int { return int(f) }

func TestEnvironmentReservesQuota(t *testing.T) {
	clk := clock.NewMock()
	tree := twoVoxelTree(t, clk)
	w, sink := newTestWorker(tree, clk, Config{EnvironmentInterval: time.Second},
		WithEnvironment(NewEnvironment(clk, tree, fixedClients(3))))
	q := testQuery()
	q.MaxPacketsPerSecond = 60
	w.Session().SetQuery(q)

	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step())
	require.Equal(t, []protocol.Kind{protocol.KindEnvironment}, sink.kinds())
	env, err := protocol.DecodeEnvironment(sink.packets()[0])
	require.NoError(t, err)
	assert.Equal(t, 2, env.Voxels)
	assert.Equal(t, 3, env.Clients)

	clk.Add(DefaultInterval)
	assert.Equal(t, 1, w.Step())
	assert.Equal(t, protocol.KindVoxelData, sink.kinds()[1])
}
