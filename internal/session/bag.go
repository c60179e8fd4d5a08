package session

import "voxelstream.ai/internal/octree"

// Bag is the set of subtrees still to visit in the current scene. Members
// are unique; Extract returns them in insertion order.
type Bag struct {
	items   []*octree.Node
	head    int
	members map[*octree.Node]struct{}
}

func NewBag() *Bag {
	return &Bag{members: make(map[*octree.Node]struct{})}
}

// Insert adds n unless it is already queued.
func (b *Bag) Insert(n *octree.Node) bool {
	if n == nil {
		return false
	}
	if _, ok := b.members[n]; ok {
		return false
	}
	b.members[n] = struct{}{}
	b.items = append(b.items, n)
	return true
}

func (b *Bag) Extract() (*octree.Node, bool) {
	if b.head >= len(b.items) {
		return nil, false
	}
	n := b.items[b.head]
	b.items[b.head] = nil
	b.head++
	delete(b.members, n)
	if b.head > 64 && b.head*2 > len(b.items) {
		b.items = append([]*octree.Node(nil), b.items[b.head:]...)
		b.head = 0
	}
	return n, true
}

func (b *Bag) Contains(n *octree.Node) bool {
	_, ok := b.members[n]
	return ok
}

func (b *Bag) Len() int      { return len(b.items) - b.head }
func (b *Bag) IsEmpty() bool { return b.Len() == 0 }

func (b *Bag) Clear() {
	b.items = nil
	b.head = 0
	clear(b.members)
}
