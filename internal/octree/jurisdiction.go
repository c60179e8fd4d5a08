package octree

// Region is a jurisdiction rooted at Root, excluding the subtrees under
// EndNodes. A nil Root covers the whole tree.
type Region struct {
	Root     Code
	EndNodes []Code
}

// Contains is true for codes inside the region and for the ancestors of
// Root, which must stay traversable to reach it.
func (r Region) Contains(code Code) bool {
	if r.Root == nil {
		return true
	}
	if code.IsAncestorOf(r.Root) {
		return true
	}
	if !r.Root.IsAncestorOf(code) {
		return false
	}
	for _, end := range r.EndNodes {
		if end.IsAncestorOf(code) {
			return false
		}
	}
	return true
}

// Unlimited reports whether r covers the whole tree.
func (r Region) Unlimited() bool { return r.Root == nil }
