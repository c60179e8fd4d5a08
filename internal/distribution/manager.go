package distribution

import (
	"context"
	"sort"
	"sync"

	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/session"
)

// SinkLookup resolves a connected client's outbound queue.
type SinkLookup func(id string) (PacketSink, bool)

// Manager owns one worker per client. A client's session and worker are
// created on its first query and torn down when the client leaves.
type Manager struct {
	deps
	tree  Tree
	sinks SinkLookup
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	clients map[string]*client
}

type client struct {
	state  *session.State
	cancel context.CancelFunc
}

type SessionInfo struct {
	ID      string `json:"id"`
	Queries uint64 `json:"queries"`
	Active  bool   `json:"active"`
}

func NewManager(tree Tree, sinks SinkLookup, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    newDeps(opts),
		tree:    tree,
		sinks:   sinks,
		cfg:     cfg.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*client),
	}
}

func (m *Manager) OnClientAdded(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		m.clients[id] = &client{}
	}
}

// OnClientRemoved stops the client's worker. Its partial packet is
// discarded.
func (m *Manager) OnClientRemoved(id string) {
	m.mu.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if ok && c.cancel != nil {
		c.cancel()
	}
}

// HandleQuery hands a camera update to the client's worker, starting the
// worker if this is the first query.
func (m *Manager) HandleQuery(id string, q protocol.Query) {
	m.metrics.QueryReceived()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		m.log.Debugw("query from unknown client", "client", id)
		return
	}
	if c.state != nil {
		c.state.SetQuery(q)
		return
	}
	if m.closed {
		return
	}
	sink, ok := m.sinks(id)
	if !ok {
		m.log.Debugw("no outbound queue for client", "client", id)
		return
	}
	st := session.New(id, session.Options{
		MaxPacketSize:   m.cfg.MaxPacketSize,
		DuplicateWindow: m.cfg.DuplicateWindow,
	})
	st.SetQuery(q)
	ctx, cancel := context.WithCancel(m.ctx)
	c.state, c.cancel = st, cancel

	w := newWorker(st, m.tree, sink, m.cfg, m.deps)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.metrics.SessionStarted()
		defer m.metrics.SessionEnded()
		m.log.Infow("distribution started", "client", id)
		_ = w.Run(ctx)
		m.log.Infow("distribution stopped", "client", id)
	}()
}

// Run blocks until ctx is done, then stops every worker.
func (m *Manager) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
	m.Close()
	return nil
}

// Close stops all workers and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.clients))
	for id, c := range m.clients {
		info := SessionInfo{ID: id}
		if c.state != nil {
			info.Active = true
			info.Queries = c.state.QueriesReceived()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
