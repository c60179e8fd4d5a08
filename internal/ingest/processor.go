// Package ingest applies edit packets from clients to the shared octree. One
// Processor goroutine drains a FIFO queue so edits land in arrival order.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
)

const DefaultQueueSize = 1024

// Commands understood in a command packet.
const (
	CommandSnapshot = "snapshot"
	CommandEraseAll = "erase-all"
	CommandStats    = "stats"
)

// Packet is one raw inbound packet tagged with where and when it came from.
type Packet struct {
	Data    []byte
	Sender  string
	Arrived time.Time
}

// Replier delivers ingest responses and rebroadcasts.
type Replier interface {
	SendTo(id string, pkt []byte) bool
	Broadcast(pkt []byte, except string) int
}

type SnapshotRequester interface {
	RequestSnapshot()
}

// AuditEntry describes one applied edit.
type AuditEntry struct {
	Time   time.Time     `json:"time"`
	Sender string        `json:"sender"`
	Op     string        `json:"op"`
	Code   string        `json:"code,omitempty"`
	Color  *octree.Color `json:"color,omitempty"`
	Seq    uint16        `json:"seq"`
}

type AuditSink interface {
	WriteAudit(AuditEntry) error
}

// AuditSinks writes every entry to each sink in turn.
type AuditSinks []AuditSink

func (s AuditSinks) WriteAudit(e AuditEntry) error {
	var err error
	for _, sink := range s {
		err = multierr.Append(err, sink.WriteAudit(e))
	}
	return err
}

// SenderStats accumulates per-client ingest timings.
type SenderStats struct {
	Packets   uint64        `json:"packets"`
	Edits     uint64        `json:"edits"`
	Malformed uint64        `json:"malformed"`
	Transit   time.Duration `json:"transit"`
	Process   time.Duration `json:"process"`
	LockWait  time.Duration `json:"lock_wait"`
	LastSeen  time.Time     `json:"last_seen"`
}

type Processor struct {
	tree      *octree.Octree
	queue     chan Packet
	clock     clock.Clock
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	replier   Replier
	snapshots SnapshotRequester
	audit     AuditSink
	region    octree.Region

	mu      sync.Mutex
	senders map[string]*SenderStats
}

type Option func(*Processor)

func WithClock(c clock.Clock) Option           { return func(p *Processor) { p.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option   { return func(p *Processor) { p.log = l } }
func WithMetrics(m *metrics.Metrics) Option    { return func(p *Processor) { p.metrics = m } }
func WithReplier(r Replier) Option             { return func(p *Processor) { p.replier = r } }
func WithSnapshots(s SnapshotRequester) Option { return func(p *Processor) { p.snapshots = s } }
func WithAudit(a AuditSink) Option             { return func(p *Processor) { p.audit = a } }
func WithJurisdiction(r octree.Region) Option  { return func(p *Processor) { p.region = r } }
func WithQueueSize(n int) Option               { return func(p *Processor) { p.queue = make(chan Packet, max(n, 1)) } }

func New(tree *octree.Octree, opts ...Option) *Processor {
	p := &Processor{
		tree:    tree,
		queue:   make(chan Packet, DefaultQueueSize),
		clock:   clock.New(),
		log:     zap.NewNop().Sugar(),
		senders: make(map[string]*SenderStats),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue blocks until pkt is queued or ctx is done.
func (p *Processor) Enqueue(ctx context.Context, pkt Packet) error {
	if pkt.Arrived.IsZero() {
		pkt.Arrived = p.clock.Now()
	}
	select {
	case p.queue <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes packets until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-p.queue:
			p.Process(pkt)
		}
	}
}

// Process handles one packet. Problems are logged and the packet, or the
// rest of it, is dropped.
func (p *Processor) Process(pkt Packet) {
	kind, _, err := protocol.ParseHeader(pkt.Data)
	if err != nil {
		p.malformed(pkt.Sender, "header", err)
		return
	}
	p.sender(pkt.Sender, func(s *SenderStats) {
		s.Packets++
		s.LastSeen = pkt.Arrived
	})
	switch kind {
	case protocol.KindSetVoxel, protocol.KindSetVoxelDestructive:
		p.applySets(pkt)
	case protocol.KindEraseVoxel:
		p.applyErase(pkt)
	case protocol.KindCommand:
		p.command(pkt)
	case protocol.KindJurisdictionRequest:
		p.replyJurisdiction(pkt.Sender)
	default:
		p.log.Debugw("unexpected packet kind", "sender", pkt.Sender, "kind", kind.String())
	}
}

func (p *Processor) applySets(pkt Packet) {
	r, err := protocol.NewEditReader(pkt.Data)
	if err != nil {
		p.malformed(pkt.Sender, "edit header", err)
		return
	}
	destructive := r.Kind == protocol.KindSetVoxelDestructive
	transit := transitTime(pkt.Arrived, r.Header.SentAt)
	var entries []AuditEntry
	for r.More() {
		ed, err := r.NextEdit()
		if err != nil {
			p.malformed(pkt.Sender, "set", err)
			break
		}
		asked := p.clock.Now()
		g := p.tree.LockForWrite()
		locked := p.clock.Now()
		_, err = g.SetVoxel(ed.Code, ed.Color, destructive)
		g.Unlock()
		done := p.clock.Now()

		wait, hold := locked.Sub(asked), done.Sub(locked)
		p.metrics.ObserveIngest(wait, hold, transit)
		p.sender(pkt.Sender, func(s *SenderStats) {
			s.Transit += transit
			s.Process += hold
			s.LockWait += wait
		})
		if errors.Is(err, octree.ErrNotLeaf) {
			p.log.Warnw("non-destructive set on interior node ignored", "sender", pkt.Sender, "code", ed.Code.String())
			continue
		}
		p.sender(pkt.Sender, func(s *SenderStats) { s.Edits++ })
		p.metrics.EditApplied(r.Kind.String())
		if p.audit != nil {
			col := ed.Color
			entries = append(entries, AuditEntry{Time: done, Sender: pkt.Sender, Op: r.Kind.String(), Code: ed.Code.String(), Color: &col, Seq: r.Header.Sequence})
		}
	}
	p.writeAudit(entries)
}

// applyErase holds one write guard for the whole packet.
func (p *Processor) applyErase(pkt Packet) {
	r, err := protocol.NewEditReader(pkt.Data)
	if err != nil {
		p.malformed(pkt.Sender, "edit header", err)
		return
	}
	transit := transitTime(pkt.Arrived, r.Header.SentAt)
	var erased []octree.Code
	var bad error

	asked := p.clock.Now()
	g := p.tree.LockForWrite()
	locked := p.clock.Now()
	for r.More() {
		c, err := r.NextCode()
		if err != nil {
			bad = err
			break
		}
		if g.Erase(c) {
			erased = append(erased, c)
		}
	}
	g.Unlock()
	done := p.clock.Now()

	if bad != nil {
		p.malformed(pkt.Sender, "erase", bad)
	}
	wait, hold := locked.Sub(asked), done.Sub(locked)
	p.metrics.ObserveIngest(wait, hold, transit)
	p.sender(pkt.Sender, func(s *SenderStats) {
		s.Edits += uint64(len(erased))
		s.Transit += transit
		s.Process += hold
		s.LockWait += wait
	})
	entries := make([]AuditEntry, 0, len(erased))
	for _, c := range erased {
		p.metrics.EditApplied(protocol.KindEraseVoxel.String())
		entries = append(entries, AuditEntry{Time: done, Sender: pkt.Sender, Op: protocol.KindEraseVoxel.String(), Code: c.String(), Seq: r.Header.Sequence})
	}
	p.writeAudit(entries)
}

func (p *Processor) command(pkt Packet) {
	cmd, err := protocol.DecodeCommand(pkt.Data)
	if err != nil {
		p.malformed(pkt.Sender, "command", err)
		return
	}
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case CommandSnapshot:
		if p.snapshots != nil {
			p.snapshots.RequestSnapshot()
		}
		p.log.Infow("snapshot requested", "sender", pkt.Sender)
	case CommandEraseAll:
		g := p.tree.LockForWrite()
		g.Clear()
		g.Unlock()
		p.metrics.EditApplied(CommandEraseAll)
		n := 0
		if p.replier != nil {
			n = p.replier.Broadcast(protocol.EncodeCommand(CommandEraseAll), pkt.Sender)
		}
		p.writeAudit([]AuditEntry{{Time: p.clock.Now(), Sender: pkt.Sender, Op: CommandEraseAll}})
		p.log.Infow("tree erased", "sender", pkt.Sender, "rebroadcast", n)
	case CommandStats:
		st, _ := p.SenderStats(pkt.Sender)
		p.log.Infow("stats",
			"sender", pkt.Sender,
			"voxels", humanize.Comma(int64(p.tree.VoxelCount())),
			"dirty", p.tree.IsDirty(),
			"packets", st.Packets,
			"edits", st.Edits,
			"malformed", st.Malformed,
			"avg_transit", average(st.Transit, st.Edits),
			"avg_process", average(st.Process, st.Edits),
			"avg_lock_wait", average(st.LockWait, st.Edits),
			"last_seen", humanize.Time(st.LastSeen),
		)
	default:
		p.log.Warnw("unknown command ignored", "sender", pkt.Sender, "command", cmd)
	}
}

func (p *Processor) replyJurisdiction(sender string) {
	if p.replier == nil {
		return
	}
	if !p.replier.SendTo(sender, protocol.EncodeJurisdiction(p.region)) {
		p.log.Debugw("jurisdiction reply dropped", "sender", sender)
	}
}

func (p *Processor) writeAudit(entries []AuditEntry) {
	if p.audit == nil {
		return
	}
	for _, e := range entries {
		if err := p.audit.WriteAudit(e); err != nil {
			p.log.Warnw("audit write failed", "err", err)
			return
		}
	}
}

func (p *Processor) malformed(sender, what string, err error) {
	p.metrics.MalformedPacket()
	p.sender(sender, func(s *SenderStats) { s.Malformed++ })
	p.log.Debugw("malformed packet", "sender", sender, "part", what, "err", err)
}

func (p *Processor) sender(id string, f func(*SenderStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.senders[id]
	if !ok {
		s = &SenderStats{}
		p.senders[id] = s
	}
	f(s)
}

func (p *Processor) SenderStats(id string) (SenderStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.senders[id]
	if !ok {
		return SenderStats{}, false
	}
	return *s, true
}

// Forget drops a departed client's counters.
func (p *Processor) Forget(id string) {
	p.mu.Lock()
	delete(p.senders, id)
	p.mu.Unlock()
}

// OnClientAdded and OnClientRemoved let the processor follow the client
// directory.
func (p *Processor) OnClientAdded(string)      {}
func (p *Processor) OnClientRemoved(id string) { p.Forget(id) }

func transitTime(arrived, sent time.Time) time.Duration {
	if sent.IsZero() || arrived.Before(sent) {
		return 0
	}
	return arrived.Sub(sent)
}

func average(total time.Duration, n uint64) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
