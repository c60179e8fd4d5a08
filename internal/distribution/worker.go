// Package distribution streams the shared octree to connected clients. Each
// client gets one Worker that walks the tree from its camera every interval
// and sends whatever changed or came into view, within a packet and time
// budget.
package distribution

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/session"
)

// Tree is the part of the shared octree a worker reads. Encode takes the
// read lock for the duration of one call.
type Tree interface {
	Root() *octree.Node
	Encode(n *octree.Node, capacity int, p octree.EncodeParams) octree.EncodeResult
}

// PacketSink queues one packet for a client. It must not block; false
// means the packet was not queued.
type PacketSink interface {
	SendPacket(pkt []byte) bool
}

type Config struct {
	Policy          BudgetPolicy
	MaxPacketSize   int
	DuplicateWindow time.Duration
	// DiscardOnMove drops queued subtrees when the camera moves instead of
	// finishing them after the new root pass.
	DiscardOnMove       bool
	EnvironmentInterval time.Duration
	Jurisdiction        octree.Jurisdiction
}

func (c Config) withDefaults() Config {
	c.Policy = c.Policy.withDefaults()
	if c.MaxPacketSize <= protocol.VoxelHeaderSize {
		c.MaxPacketSize = protocol.MaxPacketSize
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = session.DefaultDuplicateWindow
	}
	return c
}

// deps are the collaborators shared by a Manager and the workers it
// starts.
type deps struct {
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	env     EnvironmentSource
}

type Option func(*deps)

func WithClock(c clock.Clock) Option {
	return func(d *deps) { d.clock = c }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *deps) { d.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// WithEnvironment enables the periodic environment packet.
func WithEnvironment(e EnvironmentSource) Option {
	return func(d *deps) { d.env = e }
}

func newDeps(opts []Option) deps {
	d := deps{clock: clock.New(), log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(&d)
	}
	return d
}

type Worker struct {
	deps
	session *session.State
	tree    Tree
	sink    PacketSink
	cfg     Config

	avgIteration time.Duration
	lastEnv      time.Time

	// per step
	sent  int
	quota int
}

func NewWorker(s *session.State, tree Tree, sink PacketSink, cfg Config, opts ...Option) *Worker {
	return newWorker(s, tree, sink, cfg.withDefaults(), newDeps(opts))
}

func newWorker(s *session.State, tree Tree, sink PacketSink, cfg Config, d deps) *Worker {
	return &Worker{deps: d, session: s, tree: tree, sink: sink, cfg: cfg}
}

func (w *Worker) Session() *session.State { return w.session }

// Run steps once per interval until ctx is done. Anything still buffered
// is discarded.
func (w *Worker) Run(ctx context.Context) error {
	t := w.clock.Ticker(w.cfg.Policy.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if ctx.Err() != nil {
				return nil
			}
			w.Step()
		}
	}
}

// Step runs one interval and returns how many packets were handed to the
// sink.
func (w *Worker) Step() int {
	s := w.session
	start := w.clock.Now()
	w.sent = 0

	completedNaturally := s.Bag.IsEmpty()
	changed := s.EvaluateFrustum()
	if !s.HasView() {
		return 0
	}

	w.quota = w.cfg.Policy.PacketsPerInterval(s.Query().MaxPacketsPerSecond)
	envDue := w.environmentDue(start)
	if envDue {
		w.quota--
	}

	w.reconcileColor(start)
	if s.NeedsRefill(changed) {
		w.refill(start, changed, completedNaturally)
	}
	w.encodeLoop(start)

	if envDue {
		w.quota++
		w.sendEnvironment(start)
	}
	return w.sent
}

// reconcileColor switches the packet buffer to the mode the session wants
// now. A buffer holding sections in the old mode is sent first.
func (w *Worker) reconcileColor(now time.Time) {
	s := w.session
	want := s.WantColor()
	if s.Packet.IsColor() == want {
		return
	}
	if s.Packet.HasContent() {
		w.flush(now)
	}
	if !s.Packet.HasContent() {
		s.Packet.Reset(want)
	}
}

func (w *Worker) refill(now time.Time, changed, completedNaturally bool) {
	s := w.session
	if changed && w.cfg.DiscardOnMove {
		s.Bag.Clear()
	}
	if st, ok := s.CloseScene(now, changed && !completedNaturally); ok && st.Packets > 0 {
		w.metrics.SceneCompleted(st.Full, st.FrustumTriggered)
		w.log.Debugw("scene closed",
			"client", s.ID,
			"full", st.Full,
			"frustum_triggered", st.FrustumTriggered,
			"packets", st.Packets,
			"bytes", st.Bytes,
			"elapsed", st.Elapsed,
		)
	}
	w.flush(now)
	s.StartScene(now, s.NeedsFullScene(changed), changed && s.Query().WantDelta, w.tree.Root())
}

// encodeLoop drains the bag until the quota or the time budget runs out.
// The loop stops early when the average iteration would overrun the
// interval.
func (w *Worker) encodeLoop(start time.Time) {
	s := w.session
	budget := w.cfg.Policy.Interval
	deadline := start.Add(budget)
	for w.sent < w.quota && !s.Bag.IsEmpty() {
		if w.clock.Since(start)+w.avgIteration >= budget {
			return
		}
		node, _ := s.Bag.Extract()
		w.encodeNode(node, deadline)
		if s.Bag.IsEmpty() {
			now := w.clock.Now()
			w.flush(now)
			s.FinishView(now)
			return
		}
	}
}

func (w *Worker) encodeNode(node *octree.Node, deadline time.Time) {
	s := w.session
	began := w.clock.Now()
	res := w.tree.Encode(node, s.Packet.Available(), s.EncodeParams(deadline, w.cfg.Jurisdiction))
	took := w.clock.Since(began)
	w.observeIteration(took)
	w.metrics.ObserveEncode(took)
	s.RecordEncode(res)

	if len(res.Data) == 0 && res.Stop == octree.StopDidntFit {
		if !s.Packet.HasContent() {
			w.log.Warnw("subtree does not fit an empty packet, dropping",
				"client", s.ID, "code", node.Code().String(), "capacity", s.Packet.Available())
			return
		}
		w.requeue(res.Leftover)
		w.flush(w.clock.Now())
		return
	}
	w.requeue(res.Leftover)
	if len(res.Data) == 0 {
		return
	}
	if !s.Packet.TryAppend(res.Data) {
		// Capacity was Available() at encode time, so this only happens if
		// the packet changed underneath us.
		w.log.Errorw("encoded section overflows packet", "client", s.ID, "size", len(res.Data))
		s.Bag.Insert(node)
		return
	}
	if res.Stop == octree.StopDidntFit {
		w.flush(w.clock.Now())
	}
}

func (w *Worker) requeue(nodes []*octree.Node) {
	for _, n := range nodes {
		w.session.Bag.Insert(n)
	}
}

func (w *Worker) observeIteration(d time.Duration) {
	if w.avgIteration == 0 {
		w.avgIteration = d
		return
	}
	w.avgIteration = (w.avgIteration*7 + d) / 8
}

// flush sends the buffered voxel packet, with pending scene stats riding
// along when they fit. Nothing is sent once the quota is spent; the buffer
// then keeps its content for the next interval. The sequence number only
// advances for packets actually queued.
func (w *Worker) flush(now time.Time) {
	s := w.session
	if !s.Packet.HasContent() {
		w.flushStats()
		return
	}
	if w.sent >= w.quota {
		return
	}
	color := s.Packet.IsColor()
	if s.Dedup.ShouldSuppress(s.Packet.Payload(), now) {
		w.metrics.DuplicateSuppressed()
		s.Packet.Reset(color)
		w.flushStats()
		return
	}

	pkt := s.Packet.Finalize(s.Sequence+1, now)
	s.Packet.Reset(color)
	if s.HasPendingStats() {
		stats := s.PendingStats()
		switch {
		case len(stats)+len(pkt) <= s.Packet.Max():
			pkt = protocol.Piggyback(stats, pkt)
			s.ClearPendingStats()
		case w.sent+2 <= w.quota:
			w.flushStats()
		}
	}
	if !w.send(protocol.KindVoxelData, pkt) {
		s.ResendRequested = true
		s.Dedup.Forget()
		return
	}
	s.NextSequence()
	s.RecordSent(len(pkt))
}

func (w *Worker) flushStats() {
	s := w.session
	if !s.HasPendingStats() || w.sent >= w.quota {
		return
	}
	if w.send(protocol.KindStats, s.PendingStats()) {
		s.ClearPendingStats()
	}
}

// send counts against the quota whether or not the sink accepts.
func (w *Worker) send(kind protocol.Kind, pkt []byte) bool {
	w.sent++
	if !w.sink.SendPacket(pkt) {
		w.metrics.SendDropped()
		w.log.Debugw("packet dropped by transport", "client", w.session.ID, "kind", kind.String())
		return false
	}
	w.metrics.PacketSent(kind.String(), len(pkt))
	return true
}

func (w *Worker) environmentDue(now time.Time) bool {
	if w.env == nil || w.cfg.EnvironmentInterval <= 0 {
		return false
	}
	return w.lastEnv.IsZero() || now.Sub(w.lastEnv) >= w.cfg.EnvironmentInterval
}

func (w *Worker) sendEnvironment(now time.Time) {
	if w.sent >= w.quota {
		return
	}
	w.lastEnv = now
	w.send(protocol.KindEnvironment, protocol.EncodeEnvironment(w.env.Environment()))
}
