package octree

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/frustum"
)

// MaxCodeSections bounds the depth of a location code. A first byte above
// this value marks a malformed code.
const MaxCodeSections = 32

var (
	ErrCodeEmpty     = errors.New("octree: empty code")
	ErrCodeTooDeep   = errors.New("octree: code exceeds max sections")
	ErrCodeTruncated = errors.New("octree: code truncated")
)

// Code is an octal location code. Byte 0 holds the number of 3-bit
// sections; the sections follow, packed most significant bit first. Each
// section is a child index with x=4, y=2, z=1.
type Code []byte

// RootCode addresses the root of the tree.
func RootCode() Code { return Code{0} }

// CodeByteLen is the encoded size of a code with n sections.
func CodeByteLen(sections int) int {
	return 1 + (sections*3+7)/8
}

// FromSections packs child indices into a code.
func FromSections(sections ...uint8) Code {
	c := make(Code, CodeByteLen(len(sections)))
	c[0] = byte(len(sections))
	for i, s := range sections {
		bit := i * 3
		for b := 0; b < 3; b++ {
			if s&(4>>b) == 0 {
				continue
			}
			pos := bit + b
			c[1+pos/8] |= 0x80 >> (pos % 8)
		}
	}
	return c
}

// ParseCode reads one code from the front of b. The returned code aliases b.
func ParseCode(b []byte) (Code, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrCodeEmpty
	}
	if int(b[0]) > MaxCodeSections {
		return nil, 0, fmt.Errorf("%w: %d", ErrCodeTooDeep, b[0])
	}
	n := CodeByteLen(int(b[0]))
	if len(b) < n {
		return nil, 0, ErrCodeTruncated
	}
	return Code(b[:n]), n, nil
}

// ParseHexCode decodes the String form of a code.
func ParseHexCode(s string) (Code, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("octree: hex code %q: %w", s, err)
	}
	c, n, err := ParseCode(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("octree: hex code %q has %d trailing bytes", s, len(b)-n)
	}
	return c, nil
}

func (c Code) Len() int {
	if len(c) == 0 {
		return 0
	}
	return int(c[0])
}

func (c Code) ByteLen() int { return CodeByteLen(c.Len()) }

// Section returns the i-th child index along the path.
func (c Code) Section(i int) uint8 {
	var v uint8
	bit := i * 3
	for b := 0; b < 3; b++ {
		pos := bit + b
		v <<= 1
		if c[1+pos/8]&(0x80>>(pos%8)) != 0 {
			v |= 1
		}
	}
	return v
}

func (c Code) Sections() []uint8 {
	out := make([]uint8, c.Len())
	for i := range out {
		out[i] = c.Section(i)
	}
	return out
}

func (c Code) Child(idx uint8) Code {
	return FromSections(append(c.Sections(), idx)...)
}

func (c Code) Parent() Code {
	if c.Len() == 0 {
		return RootCode()
	}
	s := c.Sections()
	return FromSections(s[:len(s)-1]...)
}

func (c Code) Clone() Code {
	out := make(Code, len(c))
	copy(out, c)
	return out
}

func (c Code) Equal(o Code) bool {
	if c.Len() != o.Len() {
		return false
	}
	return c.IsAncestorOf(o)
}

// IsAncestorOf reports whether c is o or lies on o's path to the root.
func (c Code) IsAncestorOf(o Code) bool {
	if c.Len() > o.Len() {
		return false
	}
	for i := 0; i < c.Len(); i++ {
		if c.Section(i) != o.Section(i) {
			return false
		}
	}
	return true
}

// Box returns the cube addressed by c in a tree of the given scale.
func (c Code) Box(scale float64) frustum.Box {
	var x, y, z float64
	size := 1.0
	for i := 0; i < c.Len(); i++ {
		size /= 2
		s := c.Section(i)
		if s&4 != 0 {
			x += size
		}
		if s&2 != 0 {
			y += size
		}
		if s&1 != 0 {
			z += size
		}
	}
	return frustum.Box{Corner: mgl64.Vec3{x, y, z}.Mul(scale), Size: size * scale}
}

func (c Code) String() string { return hex.EncodeToString(c) }
