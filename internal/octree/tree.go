// Package octree is the shared sparse voxel tree. All access goes through
// scoped guards obtained from LockForRead and LockForWrite so that no
// caller can touch nodes without holding the tree's lock.
package octree

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

// DefaultScale is the edge length of the root cube in meters.
const DefaultScale = 16384.0

var ErrNotLeaf = errors.New("octree: target is not a leaf")

type Octree struct {
	mu    sync.RWMutex
	root  *Node
	scale float64
	clock clock.Clock

	dirty  atomic.Bool
	voxels atomic.Int64
}

type Option func(*Octree)

func WithClock(c clock.Clock) Option {
	return func(t *Octree) { t.clock = c }
}

func WithScale(s float64) Option {
	return func(t *Octree) {
		if s > 0 {
			t.scale = s
		}
	}
}

func New(opts ...Option) *Octree {
	t := &Octree{
		root:  newNode(nil, 0),
		scale: DefaultScale,
		clock: clock.New(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Root never changes identity; Clear empties it in place.
func (t *Octree) Root() *Node     { return t.root }
func (t *Octree) Scale() float64  { return t.scale }
func (t *Octree) IsDirty() bool   { return t.dirty.Load() }
func (t *Octree) VoxelCount() int { return int(t.voxels.Load()) }

// Encode takes the read lock for exactly one encode call.
func (t *Octree) Encode(n *Node, capacity int, p EncodeParams) EncodeResult {
	g := t.LockForRead()
	defer g.Unlock()
	return g.Encode(n, capacity, p)
}

func (t *Octree) LockForRead() *ReadGuard {
	t.mu.RLock()
	return &ReadGuard{t: t}
}

func (t *Octree) LockForWrite() *WriteGuard {
	t.mu.Lock()
	return &WriteGuard{ReadGuard{t: t}}
}

// ReadGuard holds the shared lock until Unlock. Unlock is idempotent; any
// other method after Unlock panics.
type ReadGuard struct {
	t *Octree
}

func (g *ReadGuard) Unlock() {
	if g.t == nil {
		return
	}
	t := g.t
	g.t = nil
	t.mu.RUnlock()
}

func (g *ReadGuard) Encode(n *Node, capacity int, p EncodeParams) EncodeResult {
	return encode(g.t, n, capacity, p)
}

// NodeAt returns the node addressed by code, or nil.
func (g *ReadGuard) NodeAt(code Code) *Node {
	n := g.t.root
	for i := 0; i < code.Len() && n != nil; i++ {
		n = n.children[code.Section(i)]
	}
	return n
}

// Voxels lists every colored leaf in depth-first order.
func (g *ReadGuard) Voxels() []Voxel {
	out := make([]Voxel, 0, g.t.voxels.Load())
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.IsLeaf() {
			if n.colored {
				out = append(out, Voxel{Code: n.code.Clone(), Color: n.color})
			}
			return
		}
		for _, c := range n.children {
			if c != nil {
				walk(c)
			}
		}
	}
	walk(g.t.root)
	return out
}

// WriteGuard holds the exclusive lock. Unlock on the embedded ReadGuard
// would release the wrong lock mode, so WriteGuard shadows it.
type WriteGuard struct {
	ReadGuard
}

func (g *WriteGuard) Unlock() {
	if g.t == nil {
		return
	}
	t := g.t
	g.t = nil
	t.mu.Unlock()
}

func (g *WriteGuard) ClearDirty() { g.t.dirty.Store(false) }

// SetVoxel colors the cube at code, creating the path as needed. A colored
// leaf on the path is split into eight children of its color first. A
// non-leaf target has its children deleted when destructive, otherwise the
// edit is refused with ErrNotLeaf. changed is false when the voxel already
// had this color.
func (g *WriteGuard) SetVoxel(code Code, c Color, destructive bool) (changed bool, err error) {
	t := g.t
	n := t.root
	for i := 0; i < code.Len(); i++ {
		if n.IsLeaf() && n.colored {
			t.split(n)
		}
		idx := code.Section(i)
		child := n.children[idx]
		if child == nil {
			child = newNode(n, idx)
			n.children[idx] = child
			changed = true
		}
		n = child
	}
	if !n.IsLeaf() {
		if !destructive {
			return false, ErrNotLeaf
		}
		t.voxels.Add(-int64(n.coloredLeaves()))
		n.dropChildren()
		n.colored = false
		changed = true
	}
	if !changed && n.colored && n.color == c {
		return false, nil
	}
	if !n.colored {
		t.voxels.Add(1)
	}
	n.color, n.colored = c, true
	t.touch(n)
	return true, nil
}

// Erase removes the cube at code and collapses ancestors left empty.
func (g *WriteGuard) Erase(code Code) bool {
	t := g.t
	n := g.NodeAt(code)
	if n == nil {
		return false
	}
	if n == t.root {
		g.Clear()
		return true
	}
	t.voxels.Add(-int64(n.coloredLeaves()))
	parent := n.parent
	parent.children[n.childIndex()] = nil
	n.markRemoved()
	for parent != t.root && parent.IsLeaf() {
		up := parent.parent
		up.children[parent.childIndex()] = nil
		parent.removed = true
		parent = up
	}
	if parent == t.root && parent.IsLeaf() {
		parent.colored = false
	}
	t.touch(parent)
	return true
}

// Clear removes every voxel.
func (g *WriteGuard) Clear() {
	t := g.t
	t.root.dropChildren()
	t.root.colored = false
	t.voxels.Store(0)
	t.touch(t.root)
}

// Load replaces the tree contents. Change stamps are set to now so every
// loaded node counts as unsent.
func (g *WriteGuard) Load(voxels []Voxel) error {
	g.Clear()
	var errs []error
	for _, v := range voxels {
		if _, err := g.SetVoxel(v.Code, v.Color, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Octree) split(n *Node) {
	for i := uint8(0); i < 8; i++ {
		c := newNode(n, i)
		c.color, c.colored = n.color, true
		c.changed = t.clock.Now()
		n.children[i] = c
	}
	t.voxels.Add(7)
}

// touch stamps n and its ancestors and refreshes averaged colors.
func (t *Octree) touch(n *Node) {
	now := t.clock.Now()
	for ; n != nil; n = n.parent {
		n.changed = now
		n.reaverage()
	}
	t.dirty.Store(true)
}
