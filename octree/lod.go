package octree

import (
	"math"
)

// lodCacheSize is the number of stars an LOD sample may hold. A sample must fit in one buffer
// slot.
func (m *Manager) lodCacheSize() int {
	return m.opts.MaxStarsPerNode
}

// constructLodCache fills an inner node's payload with a sample of its children's payloads.
// Every child contributes in proportion to its share of the subtree, drawing evenly spaced
// stars from its own payload.
func (m *Manager) constructLodCache(node *Node, depth int) {
	capacity := m.lodCacheSize()
	node.clearPayload()
	node.lodLevel = depth
	node.lodSeen = 0
	node.lodCursor = 0
	node.dirty = true
	if node.totalCount == 0 {
		return
	}

	star := make([]float32, StarSize)
	for _, child := range node.children {
		if child == nil || child.totalCount == 0 || child.pointCount == 0 {
			continue
		}
		quota := int(math.Round(float64(capacity) * float64(child.totalCount) / float64(node.totalCount)))
		quota = min(quota, child.pointCount, capacity-node.pointCount)
		if quota <= 0 {
			continue
		}
		stride := float64(child.pointCount) / float64(quota)
		for k := 0; k < quota; k++ {
			child.readStar(int(float64(k)*stride), star)
			node.appendStar(star)
		}
	}
}

// insertStarInLodCache offers a star routed below node to its LOD sample. Stars are appended
// until the sample is full. After that every stride-th star replaces the oldest admitted one,
// where stride spreads the sample evenly over the subtree.
func (m *Manager) insertStarInLodCache(node *Node, star []float32) {
	capacity := m.lodCacheSize()
	node.lodSeen++
	if node.pointCount < capacity {
		node.appendStar(star)
		node.dirty = true
		return
	}

	stride := (node.totalCount + capacity - 1) / capacity
	if node.lodSeen%stride != 0 {
		return
	}
	node.setStar(node.lodCursor, star)
	node.lodCursor = (node.lodCursor + 1) % capacity
	node.dirty = true
}
