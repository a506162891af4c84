package octree

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// frameState is reset at the start of every traversal.
type frameState struct {
	start           time.Time
	fetches         int
	capacityHit     bool
	budgetExhausted bool
}

// TraverseData walks the tree for one frame. It returns the payload of every slot that was
// newly assigned or whose node changed, keyed by slot, and the change in rendered stars since
// the previous call. Slots released during a traversal are not reused before the next one.
func (m *Manager) TraverseData(viewProjection mgl32.Mat4, viewportSize mgl32.Vec2) (map[int][]float32, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyFetchResults()
	m.slots.flip()
	m.frame = frameState{start: m.clock.Now()}

	updates := map[int][]float32{}
	m.checkNodeIntersection(m.root, 0, viewProjection, viewportSize, updates)

	delta := m.renderedPoints - m.reportedPoints
	m.reportedPoints = m.renderedPoints
	instrumentFrame(len(m.slots.held), m.renderedPoints)
	return updates, delta
}

// checkNodeIntersection renders or refines a visible node and evicts an invisible one. It
// reports whether any node of the subtree may hold a slot afterwards.
func (m *Manager) checkNodeIntersection(
	node *Node,
	depth int,
	viewProjection mgl32.Mat4,
	viewportSize mgl32.Vec2,
	updates map[int][]float32,
) bool {
	if !m.culler.IsVisible(node.Bounds(), viewProjection) {
		m.evict(node)
		return false
	}

	if !node.isLoaded.Load() {
		loaded, ok := m.ensureLoaded(node, depth)
		if !ok {
			m.evict(node)
			return false
		}
		node = loaded
	}

	threshold := m.opts.MinTotalPixelsLod * float32(depth)
	if node.isLeaf ||
		(node.lodLevel != noLod && m.culler.ProjectedFootprint(node.Bounds(), viewProjection, viewportSize) < threshold) {
		held := m.renderNode(node, updates)
		for _, child := range node.children {
			m.evict(child)
		}
		node.mayHoldSlots = held
		return held
	}

	m.releaseSlot(node)
	held := false
	for _, child := range node.children {
		if m.checkNodeIntersection(child, depth+1, viewProjection, viewportSize, updates) {
			held = true
		}
	}
	node.mayHoldSlots = held
	return held
}

// renderNode makes sure node's payload is in a slot. It returns whether the node holds one.
func (m *Manager) renderNode(node *Node, updates map[int][]float32) bool {
	if node.pointCount == 0 {
		m.releaseSlot(node)
		return false
	}

	if node.bufferSlot != DefaultIndex {
		if node.dirty {
			updates[node.bufferSlot] = node.payload(m.opts.RenderOption)
			m.renderedPoints += node.pointCount - node.renderedCount
			node.renderedCount = node.pointCount
			node.dirty = false
		}
		return true
	}

	slot, err := m.slots.acquire()
	if err != nil {
		m.capacityExhausted++
		slotCapacityExhausted.Inc()
		if !m.frame.capacityHit {
			m.frame.capacityHit = true
			m.logger.Debugw("out of buffer slots, skipping nodes this frame", "error", err)
		}
		return false
	}
	slotsAcquired.Inc()
	node.bufferSlot = slot
	node.renderedCount = node.pointCount
	node.dirty = false
	m.renderedPoints += node.pointCount
	updates[slot] = node.payload(m.opts.RenderOption)
	return true
}

func (m *Manager) releaseSlot(node *Node) {
	if node.bufferSlot == DefaultIndex {
		return
	}
	if m.slots.release(node.bufferSlot) {
		slotsReleased.Inc()
	}
	m.renderedPoints -= node.renderedCount
	node.renderedCount = 0
	node.bufferSlot = DefaultIndex
}

// evict releases every slot held in the subtree.
func (m *Manager) evict(node *Node) {
	if node == nil || (!node.mayHoldSlots && node.bufferSlot == DefaultIndex) {
		return
	}
	m.releaseSlot(node)
	for _, child := range node.children {
		m.evict(child)
	}
	node.mayHoldSlots = false
}

// RebuildBuffer releases every slot so the next traversal uploads everything again, e.g. after
// the renderer recreated its GPU buffer.
func (m *Manager) RebuildBuffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(m.root)
}
