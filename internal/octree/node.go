package octree

import "time"

// Color is an 8-bit RGB triple.
type Color [3]uint8

// Voxel is one colored leaf, the unit of persistence.
type Voxel struct {
	Code  Code
	Color Color
}

// Node is one cube of the tree. Nodes are owned by their Octree; fields
// are only read or written under its lock.
type Node struct {
	code     Code
	parent   *Node
	children [8]*Node
	color    Color
	colored  bool
	removed  bool
	changed  time.Time
}

func newNode(parent *Node, idx uint8) *Node {
	n := &Node{parent: parent}
	if parent == nil {
		n.code = RootCode()
	} else {
		n.code = parent.code.Child(idx)
	}
	return n
}

func (n *Node) Code() Code { return n.code }
func (n *Node) Level() int { return n.code.Len() }

// Removed reports whether n was erased from the tree. Callers must hold a
// guard.
func (n *Node) Removed() bool { return n.removed }

func (n *Node) Child(i int) *Node { return n.children[i] }

func (n *Node) IsLeaf() bool {
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

// Color returns the node's own color for leaves, or the average of its
// colored children otherwise.
func (n *Node) Color() (Color, bool) { return n.color, n.colored }

// ChangedSince reports whether anything in this subtree changed after t.
func (n *Node) ChangedSince(t time.Time) bool { return n.changed.After(t) }

func (n *Node) childIndex() uint8 {
	return n.code.Section(n.code.Len() - 1)
}

func (n *Node) reaverage() {
	if n.IsLeaf() {
		return
	}
	var sum [3]int
	count := 0
	for _, c := range n.children {
		if c == nil || !c.colored {
			continue
		}
		for i := range sum {
			sum[i] += int(c.color[i])
		}
		count++
	}
	n.colored = count > 0
	if count > 0 {
		n.color = Color{uint8(sum[0] / count), uint8(sum[1] / count), uint8(sum[2] / count)}
	}
}

// coloredLeaves counts colored leaves in the subtree rooted at n.
func (n *Node) coloredLeaves() int {
	if n.IsLeaf() {
		if n.colored {
			return 1
		}
		return 0
	}
	total := 0
	for _, c := range n.children {
		if c != nil {
			total += c.coloredLeaves()
		}
	}
	return total
}

func (n *Node) markRemoved() {
	n.removed = true
	for _, c := range n.children {
		if c != nil {
			c.markRemoved()
		}
	}
}

func (n *Node) dropChildren() {
	for i, c := range n.children {
		if c != nil {
			c.markRemoved()
			n.children[i] = nil
		}
	}
}
