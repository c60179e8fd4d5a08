package distribution

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voxelstream.ai/internal/octree"
)

func TestPacketsPerInterval(t *testing.T) {
	p := BudgetPolicy{ServerPacketsPerInterval: 10, Interval: 16 * time.Millisecond}
	require.Equal(t, 62, p.IntervalsPerSecond())

	cases := []struct {
		clientPPS int
		want      int
	}{
		{0, 10},
		{-5, 10},
		{1, 1},
		{62, 1},
		{124, 2},
		{620, 10},
		{100000, 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.PacketsPerInterval(tc.clientPPS), "clientPPS=%d", tc.clientPPS)
	}

	assert.Equal(t, DefaultPacketsPerInterval, BudgetPolicy{}.PacketsPerInterval(0))
}

func TestManagerStartsWorkerOnFirstQuery(t *testing.T) {
	clk := clock.NewMock()
	tree := twoVoxelTree(t, clk)
	sinks := map[string]*capture{"a": {}}
	lookup := func(id string) (PacketSink, bool) {
		c, ok := sinks[id]
		return c, ok
	}
	m := NewManager(tree, lookup, Config{}, WithClock(clk), WithLogger(zaptest.NewLogger(t).Sugar()))
	defer m.Close()

	m.HandleQuery("a", testQuery())
	assert.Empty(t, m.Sessions(), "unknown clients are ignored")

	m.OnClientAdded("a")
	require.Equal(t, []SessionInfo{{ID: "a"}}, m.Sessions())

	m.HandleQuery("a", testQuery())
	require.Eventually(t, func() bool {
		clk.Add(DefaultInterval)
		return len(sinks["a"].packets()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	info := m.Sessions()
	require.Len(t, info, 1)
	assert.True(t, info[0].Active)
	assert.Equal(t, uint64(1), info[0].Queries)

	m.OnClientRemoved("a")
	assert.Empty(t, m.Sessions())
}

func TestManagerCloseStopsWorkers(t *testing.T) {
	clk := clock.NewMock()
	sink := &capture{}
	m := NewManager(octree.New(), func(string) (PacketSink, bool) { return sink, true }, Config{}, WithClock(clk))
	for _, id := range []string{"a", "b"} {
		m.OnClientAdded(id)
		m.HandleQuery(id, testQuery())
	}

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}

	m.OnClientAdded("c")
	m.HandleQuery("c", testQuery())
	info := m.Sessions()
	require.Len(t, info, 3)
	assert.False(t, info[2].Active, "no workers start after close")
}

func TestManagerCloseRacesLateQueries(t *testing.T) {
	clk := clock.NewMock()
	sink := &capture{}
	m := NewManager(octree.New(), func(string) (PacketSink, bool) { return sink, true }, Config{}, WithClock(clk))
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
		m.OnClientAdded(ids[i])
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			m.HandleQuery(id, testQuery())
		}
	}()
	m.Close()
	wg.Wait()
	active := func() int {
		n := 0
		for _, info := range m.Sessions() {
			if info.Active {
				n++
			}
		}
		return n
	}
	before := active()
	for _, id := range ids {
		m.HandleQuery(id, testQuery())
	}
	assert.Equal(t, before, active(), "no workers start after close")
	m.Close()
}
