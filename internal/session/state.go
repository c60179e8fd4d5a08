// Package session holds the per-client streaming state that a distribution
// worker reads and mutates every interval.
package session

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/frustum"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
)

// LowResMovingAdjust coarsens LOD by one level while the camera moves and
// the client asked for low resolution in motion.
const LowResMovingAdjust = 1

type Options struct {
	MaxPacketSize   int
	DuplicateWindow time.Duration
}

// Scene is the bookkeeping for one traversal from the root.
type Scene struct {
	Start    time.Time
	Full     bool
	Delta    bool
	Packets  int
	Bytes    int
	MaxLevel int
	Stats    octree.EncodeStats
	started  bool
}

// State is owned by one distribution worker. Only SetQuery and
// QueriesReceived may be called from other goroutines.
type State struct {
	ID string

	mu      sync.Mutex
	pending *protocol.Query
	queries uint64

	query      protocol.Query
	hasQuery   bool
	Current    frustum.ViewFrustum
	LastKnown  frustum.ViewFrustum
	hasCurrent bool
	hasLast    bool

	Bag      *Bag
	Coverage *octree.CoverageMap
	Packet   *PacketBuffer
	Dedup    *Dedup

	FrustumChanging            bool
	FrustumJustStoppedChanging bool
	LODChanged                 bool
	ViewFullySent              bool
	// ResendRequested forces the next scene to be full after a packet
	// was lost on the way to the client.
	ResendRequested bool

	Sequence           uint16
	SentAsOf           time.Time
	LastSceneCompleted time.Time
	MaxLevelReached    int
	ScenesCompleted    uint64

	Scene        Scene
	pendingStats []byte
}

func New(id string, opts Options) *State {
	return &State{
		ID:       id,
		Bag:      NewBag(),
		Coverage: octree.NewCoverageMap(),
		Packet:   NewPacketBuffer(opts.MaxPacketSize),
		Dedup:    NewDedup(opts.DuplicateWindow),
		query:    protocol.Query{WantColor: true},
	}
}

// SetQuery hands the latest client query to the worker.
func (s *State) SetQuery(q protocol.Query) {
	s.mu.Lock()
	s.pending = &q
	s.queries++
	s.mu.Unlock()
}

func (s *State) QueriesReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func (s *State) takeQuery() (protocol.Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return protocol.Query{}, false
	}
	q := *s.pending
	s.pending = nil
	return q, true
}

// Query is the most recently applied client query.
func (s *State) Query() protocol.Query { return s.query }

// EvaluateFrustum applies any pending query and reports whether the
// current frustum changed meaningfully. The current frustum is replaced
// only when the new one is not very similar, so slow drift accumulates.
func (s *State) EvaluateFrustum() bool {
	changed := false
	if q, ok := s.takeQuery(); ok {
		if s.hasQuery && (q.SizeScale != s.query.SizeScale || q.BoundaryLevelAdjust != s.query.BoundaryLevelAdjust) {
			s.LODChanged = true
		}
		s.query, s.hasQuery = q, true
		f := frustumFromQuery(q)
		if !s.hasCurrent || !s.Current.IsVerySimilar(f) {
			s.Current, s.hasCurrent = f, true
			changed = true
		}
	}
	wasChanging := s.FrustumChanging
	s.FrustumChanging = changed
	if wasChanging && !changed {
		s.FrustumJustStoppedChanging = true
	}
	if changed {
		s.ViewFullySent = false
	}
	return changed
}

func frustumFromQuery(q protocol.Query) frustum.ViewFrustum {
	f := frustum.ViewFrustum{
		Position:             q.Position,
		Orientation:          q.Orientation,
		FieldOfView:          q.FieldOfView,
		AspectRatio:          q.AspectRatio,
		NearClip:             q.NearClip,
		FarClip:              q.FarClip,
		EyeOffsetPosition:    q.EyeOffsetPosition,
		EyeOffsetOrientation: q.EyeOffsetOrientation,
	}
	if f.Orientation.Len() == 0 {
		f.Orientation = mgl64.QuatIdent()
	}
	if f.EyeOffsetOrientation.Len() == 0 {
		f.EyeOffsetOrientation = mgl64.QuatIdent()
	}
	f.Calculate()
	return f
}

// HasView reports whether a client query has been applied.
func (s *State) HasView() bool { return s.hasCurrent }

// WantColor is the color mode packets should be built in right now.
func (s *State) WantColor() bool {
	if s.query.WantLowResMoving && s.FrustumChanging {
		return false
	}
	return s.query.WantColor
}

// BoundaryLevelAdjust includes the low-res-while-moving coarsening.
func (s *State) BoundaryLevelAdjust() int {
	adj := s.query.BoundaryLevelAdjust
	if s.query.WantLowResMoving && s.FrustumChanging {
		adj += LowResMovingAdjust
	}
	return adj
}

// NeedsFullScene decides whether a scene starting now must resend
// everything in view.
func (s *State) NeedsFullScene(frustumChanged bool) bool {
	return s.LODChanged ||
		s.FrustumJustStoppedChanging ||
		s.ResendRequested ||
		(frustumChanged && !s.query.WantDelta) ||
		!s.hasLast
}

// NeedsRefill reports whether traversal must restart from the root. A
// stable frustum never restarts a scene still in progress; a pending
// just-stopped flag waits for the next natural refill.
func (s *State) NeedsRefill(frustumChanged bool) bool {
	return frustumChanged || s.Bag.IsEmpty() || s.LODChanged
}

// StartScene begins a traversal from root. A full scene consumes the
// just-stopped flag that may have triggered it.
func (s *State) StartScene(now time.Time, full, delta bool, root *octree.Node) {
	if full {
		s.Bag.Clear()
		s.FrustumJustStoppedChanging = false
	}
	s.Scene = Scene{Start: now, Full: full, Delta: delta, started: true}
	s.Coverage.Reset()
	s.Bag.Insert(root)
	s.LODChanged = false
	s.ResendRequested = false
}

// RecordEncode folds one encode call into the scene.
func (s *State) RecordEncode(res octree.EncodeResult) {
	s.Scene.Stats.Add(res.Stats)
	s.Scene.MaxLevel = max(s.Scene.MaxLevel, res.MaxLevel)
	s.MaxLevelReached = max(s.MaxLevelReached, res.MaxLevel)
}

// RecordSent counts a packet handed to the client.
func (s *State) RecordSent(n int) {
	s.Scene.Packets++
	s.Scene.Bytes += n
}

// CloseScene ends the current scene and readies its statistics message
// when the scene sent anything.
func (s *State) CloseScene(now time.Time, frustumTriggered bool) (protocol.SceneStats, bool) {
	if !s.Scene.started {
		return protocol.SceneStats{}, false
	}
	sc := s.Scene
	s.Scene = Scene{}
	st := protocol.SceneStats{
		Packets:          uint64(sc.Packets),
		Bytes:            uint64(sc.Bytes),
		Encoded:          uint64(sc.Stats.Encoded),
		Traversed:        uint64(sc.Stats.Traversed),
		SkippedDistance:  uint64(sc.Stats.SkippedDistance),
		SkippedOutOfView: uint64(sc.Stats.SkippedOutOfView),
		SkippedWasInView: uint64(sc.Stats.SkippedWasInView),
		SkippedNoChange:  uint64(sc.Stats.SkippedNoChange),
		SkippedOccluded:  uint64(sc.Stats.SkippedOccluded),
		Elapsed:          now.Sub(sc.Start),
		MaxLevel:         sc.MaxLevel,
		Full:             sc.Full,
		FrustumTriggered: frustumTriggered,
	}
	if sc.Packets > 0 {
		s.pendingStats = protocol.EncodeStats(st)
	}
	return st, true
}

// FinishView records that everything visible from the current frustum
// has been sent.
func (s *State) FinishView(now time.Time) {
	s.LastKnown, s.hasLast = s.Current, true
	s.ViewFullySent = true
	s.SentAsOf = s.Scene.Start
	s.LastSceneCompleted = now
	s.ScenesCompleted++
	s.Coverage.Reset()
}

func (s *State) HasPendingStats() bool { return s.pendingStats != nil }

func (s *State) PendingStats() []byte { return s.pendingStats }

func (s *State) ClearPendingStats() { s.pendingStats = nil }

// NextSequence returns the sequence number for the next packet sent.
func (s *State) NextSequence() uint16 {
	s.Sequence++
	return s.Sequence
}

// EncodeParams assembles the octree knobs for the current scene.
func (s *State) EncodeParams(deadline time.Time, j octree.Jurisdiction) octree.EncodeParams {
	p := octree.EncodeParams{
		WantColor:           s.Packet.IsColor(),
		Delta:               s.Scene.Delta,
		FullScene:           s.Scene.Full,
		SentAsOf:            s.SentAsOf,
		SizeScale:           s.query.SizeScale,
		BoundaryLevelAdjust: s.BoundaryLevelAdjust(),
		Jurisdiction:        j,
		Deadline:            deadline,
	}
	if s.hasCurrent {
		cur := s.Current
		p.View = &cur
		if s.query.WantOcclusion {
			p.Coverage = s.Coverage
		}
	}
	if s.hasLast && s.Scene.Delta {
		last := s.LastKnown
		p.LastView = &last
	}
	return p
}
