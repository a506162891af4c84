package octree

import (
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"go.viam.com/octstream/culler"
)

// A Node is a cube of space. A leaf holds a batch of stars, an inner node holds exactly eight
// children and optionally a LOD sample of the stars below it.
type Node struct {
	Center    mgl32.Vec3
	HalfWidth float32

	posData []float32
	colData []float32
	velData []float32
	// pointCount is the number of stars in this node's own payload.
	pointCount int
	// totalCount is the number of stars inserted into this subtree. LOD samples are not counted.
	totalCount int

	isLeaf   bool
	isLoaded atomic.Bool

	bufferSlot int
	// renderedCount is the number of stars uploaded into bufferSlot.
	renderedCount int
	// dirty is set when the payload changed since its last upload.
	dirty bool
	// mayHoldSlots is false only when no node of this subtree holds a slot.
	mayHoldSlots bool

	lodLevel  int
	lodSeen   int
	lodCursor int

	children [8]*Node
}

func newNode(center mgl32.Vec3, halfWidth float32, loaded bool) *Node {
	node := &Node{
		Center:     center,
		HalfWidth:  halfWidth,
		isLeaf:     true,
		bufferSlot: DefaultIndex,
		lodLevel:   noLod,
	}
	node.isLoaded.Store(loaded)
	return node
}

// Bounds returns the node's cube.
func (node *Node) Bounds() culler.Bounds {
	return culler.Bounds{Center: node.Center, HalfWidth: node.HalfWidth}
}

// IsLeaf returns true when the node has no children.
func (node *Node) IsLeaf() bool {
	return node.isLeaf
}

// IsLoaded returns true when the node's payload is in memory.
func (node *Node) IsLoaded() bool {
	return node.isLoaded.Load()
}

// PointCount returns the number of stars in the node's own payload.
func (node *Node) PointCount() int {
	return node.pointCount
}

// TotalCount returns the number of stars in the subtree.
func (node *Node) TotalCount() int {
	return node.totalCount
}

// BufferSlot returns the slot holding the node's payload or DefaultIndex.
func (node *Node) BufferSlot() int {
	return node.bufferSlot
}

// LodLevel returns the depth the node's LOD sample was built at, or -1 without one.
func (node *Node) LodLevel() int {
	return node.lodLevel
}

// Child returns the child for an octant code, or nil for leaves.
func (node *Node) Child(octant int) *Node {
	return node.children[octant]
}

// Star returns a copy of the i-th star of the payload.
func (node *Node) Star(i int) []float32 {
	star := make([]float32, StarSize)
	node.readStar(i, star)
	return star
}

// Position returns the position of the i-th star of the payload.
func (node *Node) Position(i int) mgl32.Vec3 {
	return mgl32.Vec3{node.posData[i*PosSize], node.posData[i*PosSize+1], node.posData[i*PosSize+2]}
}

// octantOf returns the child index for p. Coordinates on the center go to the positive side.
func (node *Node) octantOf(p mgl32.Vec3) int {
	octant := 0
	for axis := 0; axis < 3; axis++ {
		if p[axis] >= node.Center[axis] {
			octant |= 1 << axis
		}
	}
	return octant
}

func (node *Node) childCenter(octant int) mgl32.Vec3 {
	quarter := node.HalfWidth / 2
	center := node.Center
	for axis := 0; axis < 3; axis++ {
		if octant&(1<<axis) != 0 {
			center[axis] += quarter
		} else {
			center[axis] -= quarter
		}
	}
	return center
}

func (node *Node) appendStar(star []float32) {
	node.posData = append(node.posData, star[:PosSize]...)
	node.colData = append(node.colData, star[PosSize:PosSize+ColSize]...)
	node.velData = append(node.velData, star[PosSize+ColSize:StarSize]...)
	node.pointCount++
}

func (node *Node) setStar(i int, star []float32) {
	copy(node.posData[i*PosSize:(i+1)*PosSize], star[:PosSize])
	copy(node.colData[i*ColSize:(i+1)*ColSize], star[PosSize:PosSize+ColSize])
	copy(node.velData[i*VelSize:(i+1)*VelSize], star[PosSize+ColSize:StarSize])
}

func (node *Node) readStar(i int, star []float32) {
	copy(star[:PosSize], node.posData[i*PosSize:(i+1)*PosSize])
	copy(star[PosSize:PosSize+ColSize], node.colData[i*ColSize:(i+1)*ColSize])
	copy(star[PosSize+ColSize:StarSize], node.velData[i*VelSize:(i+1)*VelSize])
}

func (node *Node) clearPayload() {
	node.posData = nil
	node.colData = nil
	node.velData = nil
	node.pointCount = 0
}

// appendPayload appends the payload to dst interleaved per star in the option's layout.
func (node *Node) appendPayload(dst []float32, option RenderOption) []float32 {
	for i := 0; i < node.pointCount; i++ {
		dst = append(dst, node.posData[i*PosSize:(i+1)*PosSize]...)
		if option >= RenderColor {
			dst = append(dst, node.colData[i*ColSize:(i+1)*ColSize]...)
		}
		if option >= RenderMotion {
			dst = append(dst, node.velData[i*VelSize:(i+1)*VelSize]...)
		}
	}
	return dst
}

func (node *Node) payload(option RenderOption) []float32 {
	return node.appendPayload(make([]float32, 0, node.pointCount*option.ValuesPerStar()), option)
}

// walk visits the subtree in preorder along with each node's depth, stopping when fn returns
// false for a node's subtree.
func (node *Node) walk(depth int, fn func(node *Node, depth int) bool) {
	if !fn(node, depth) {
		return
	}
	for _, child := range node.children {
		if child != nil {
			child.walk(depth+1, fn)
		}
	}
}

// subtreeStats counts the nodes of a subtree.
type subtreeStats struct {
	leaves      int
	inner       int
	depth       int
	maxObserved int
}

func (node *Node) stats(depth int) subtreeStats {
	var stats subtreeStats
	node.walk(depth, func(n *Node, d int) bool {
		if n.isLeaf {
			stats.leaves++
		} else {
			stats.inner++
		}
		stats.depth = max(stats.depth, d)
		if n.isLeaf {
			stats.maxObserved = max(stats.maxObserved, n.pointCount)
		}
		return true
	})
	return stats
}
