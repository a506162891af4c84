package octree

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// slotAllocator hands out GPU buffer slot indices. Released slots sit in removedLastFrame until
// the next flip so the renderer never reuses a slot within the frame it was freed in.
type slotAllocator struct {
	// free is a stack; the next slot handed out is the last element.
	free             []int
	removedLastFrame map[int]struct{}
	held             map[int]struct{}
	next             int
	max              int
	biggestInUse     int
}

func newSlotAllocator(maxSlots int) *slotAllocator {
	alloc := &slotAllocator{
		removedLastFrame: map[int]struct{}{},
		held:             map[int]struct{}{},
		biggestInUse:     DefaultIndex,
	}
	if maxSlots > 0 {
		alloc.initBufferIndexStack(maxSlots)
	}
	return alloc
}

// initBufferIndexStack bounds the allocator to slots [0, maxIndex) which are then handed out in
// ascending order.
func (alloc *slotAllocator) initBufferIndexStack(maxIndex int) {
	alloc.free = alloc.free[:0]
	for slot := maxIndex - 1; slot >= 0; slot-- {
		if _, ok := alloc.held[slot]; ok {
			continue
		}
		if _, ok := alloc.removedLastFrame[slot]; ok {
			continue
		}
		alloc.free = append(alloc.free, slot)
	}
	alloc.next = maxIndex
	alloc.max = maxIndex
}

func (alloc *slotAllocator) acquire() (int, error) {
	var slot int
	switch {
	case len(alloc.free) > 0:
		slot = alloc.free[len(alloc.free)-1]
		alloc.free = alloc.free[:len(alloc.free)-1]
	case alloc.max == 0:
		slot = alloc.next
		alloc.next++
	default:
		return DefaultIndex, errors.Wrapf(ErrCapacityExhausted, "all %d slots are in use", alloc.max)
	}
	alloc.held[slot] = struct{}{}
	alloc.biggestInUse = max(alloc.biggestInUse, slot)
	return slot, nil
}

// release returns false if the slot was not held.
func (alloc *slotAllocator) release(slot int) bool {
	if _, ok := alloc.held[slot]; !ok {
		return false
	}
	delete(alloc.held, slot)
	alloc.removedLastFrame[slot] = struct{}{}
	return true
}

// flip makes the slots released since the last flip available again.
func (alloc *slotAllocator) flip() {
	if len(alloc.removedLastFrame) == 0 {
		return
	}
	// Descending so the lowest slot is on top of the stack.
	removed := lo.Keys(alloc.removedLastFrame)
	slices.Sort(removed)
	slices.Reverse(removed)
	alloc.free = append(alloc.free, removed...)
	clear(alloc.removedLastFrame)
}

func (alloc *slotAllocator) isHeld(slot int) bool {
	_, ok := alloc.held[slot]
	return ok
}

func (alloc *slotAllocator) heldSlots() []int {
	slots := lo.Keys(alloc.held)
	slices.Sort(slots)
	return slots
}

func (alloc *slotAllocator) removedSlots() []int {
	slots := lo.Keys(alloc.removedLastFrame)
	slices.Sort(slots)
	return slots
}

// reset forgets every slot but keeps the bound.
func (alloc *slotAllocator) reset() {
	clear(alloc.held)
	clear(alloc.removedLastFrame)
	alloc.free = alloc.free[:0]
	alloc.next = 0
	alloc.biggestInUse = DefaultIndex
	if alloc.max > 0 {
		alloc.initBufferIndexStack(alloc.max)
	}
}
