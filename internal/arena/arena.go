// Package arena implements the policies layered on top of the registry:
// coalescing adjacent free blocks, best-fit search with splitting, and
// extending the trailing free block via SBRK. This is the reuse pipeline
// the public API calls before ever requesting fresh memory from the
// kernel.
//
// Grounded on hyperpb's internal/arena.Arena (Alloc/Grow/realloc over a
// monotonically advancing Next/End pair) for the shape of an arena manager
// that owns a growth policy distinct from the allocation entry points, and
// on the intrusive free-list walk in other_examples/alewtschuk-balloc for
// the coalesce-by-merging-headers technique.
package arena

import (
	"unsafe"

	"github.com/vibelabs/umalloc/internal/block"
	"github.com/vibelabs/umalloc/internal/diag"
	"github.com/vibelabs/umalloc/internal/registry"
	"github.com/vibelabs/umalloc/internal/sysmem"
)

// Manager owns the registry and the arena's current extent. It has no
// knowledge of the MMAP path or of thresholds — those are public-API
// concerns (§4.4). Manager implements only §4.3.
type Manager struct {
	reg *registry.Registry

	// arenaStart and arenaEnd bound the contiguous program-break region.
	// arenaEnd is recomputed from SBRK's return value, never guessed.
	arenaStart unsafe.Pointer
	arenaEnd   unsafe.Pointer
}

// New returns a Manager operating over reg. reg must outlive the Manager.
func New(reg *registry.Registry) *Manager {
	return &Manager{reg: reg}
}

// ArenaStart reports the first byte ever claimed via SBRK, or nil if the
// arena has not been used yet.
func (m *Manager) ArenaStart() unsafe.Pointer {
	return m.arenaStart
}

// ArenaEnd reports the current program break as last observed by this
// Manager, or nil if the arena has not been used yet.
func (m *Manager) ArenaEnd() unsafe.Pointer {
	return m.arenaEnd
}

// InArena reports whether p falls within the current arena extent. A
// caller who already knows the block's registry Status should prefer that
// over this spatial test — it exists mainly for §8's property checks.
func (m *Manager) InArena(p unsafe.Pointer) bool {
	if m.arenaStart == nil {
		return false
	}
	return uintptr(p) >= uintptr(m.arenaStart) && uintptr(p) < uintptr(m.arenaEnd)
}

// Sbrk extends the arena by n bytes, tracking the new extent, and returns
// the start of the newly added region.
func (m *Manager) Sbrk(n int) unsafe.Pointer {
	p := sysmem.Sbrk(n)
	if m.arenaStart == nil {
		m.arenaStart = p
	}
	m.arenaEnd = unsafe.Add(p, n)
	return p
}

// Coalesce implements §4.3.1. In global mode (intent != IntentReallocGrow)
// it sweeps the whole registry once, folding every run of adjacent FREE
// arena nodes together. In successor-only mode (IntentReallocGrow) it
// examines only node's immediate successor, absorbing it if FREE,
// regardless of node's own status — the one case where a non-free block
// grows by absorbing a free neighbor.
func (m *Manager) Coalesce(intent block.Intent, node *block.Header) {
	if intent == block.IntentReallocGrow {
		m.absorbSuccessor(node)
		return
	}

	cur := m.reg.Head()
	for cur != nil {
		if cur.Status == block.Free && cur.Next != nil && cur.Next.Status == block.Free {
			m.absorbSuccessor(cur)
			continue // retry at cur: its new successor may also be FREE
		}
		cur = cur.Next
	}
}

// absorbSuccessor folds node.Next into node if node.Next is FREE. No-op
// otherwise, including when node.Next is nil.
func (m *Manager) absorbSuccessor(node *block.Header) {
	succ := node.Next
	if succ == nil || succ.Status != block.Free {
		return
	}
	node.Size += block.HeaderSize + succ.Size
	m.reg.Unlink(succ)
	diag.Trace("coalesce", "absorbed successor into %p, new size=%d", node.Addr(), node.Size)
}

// SearchAndSplit implements §4.3.2: best-fit over FREE arena nodes,
// splitting the remainder off when it can usefully hold payload. Returns
// nil if no FREE node is large enough.
func (m *Manager) SearchAndSplit(requestedTotal int) *block.Header {
	requestedPayload := requestedTotal - block.HeaderSize

	var best *block.Header
	m.reg.Each(func(h *block.Header) bool {
		if h.Status != block.Free {
			return true
		}
		if h.Size < requestedPayload {
			return true
		}
		if best == nil || h.Size < best.Size {
			best = h
		}
		return true
	})
	if best == nil {
		return nil
	}

	best.Status = block.Alloc
	m.maybeSplit(best, requestedPayload, requestedTotal)
	return best
}

// maybeSplit carves a new FREE node out of chosen's tail when the residual
// after requestedTotal bytes can hold at least one aligned byte of
// payload, splicing it in immediately after chosen.
func (m *Manager) maybeSplit(chosen *block.Header, requestedPayload, requestedTotal int) {
	if chosen.Size < block.Align(1)+requestedTotal {
		return
	}

	residual := chosen.Size - requestedTotal
	at := unsafe.Add(unsafe.Pointer(chosen), requestedTotal)
	free := block.NewArenaBlock(at, residual, block.Free)

	free.Next = chosen.Next
	free.Prev = chosen
	if chosen.Next != nil {
		chosen.Next.Prev = free
	}
	chosen.Next = free
	chosen.Size = requestedPayload

	diag.Trace("split", "chosen=%p residual=%p size=%d", chosen.Addr(), free.Addr(), residual)
}

// ExtendHeap implements §4.3.3. In realloc mode, target must be the
// registry tail; the program break grows by exactly requestedPayload −
// target.Size, target.Size becomes requestedPayload, and target is marked
// ALLOC. If target is not the tail, ExtendHeap fails and the caller falls
// back. In normal mode, target is ignored (nil) and the Manager walks to
// the tail itself: if the tail is FREE, it is grown to hold requestedTotal
// and marked ALLOC; if the tail is not FREE, ExtendHeap fails.
//
// Unlike the source this design is grounded on, ExtendHeap always takes
// its growth target as an explicit parameter (or, in normal mode, finds it
// itself) — it never conflates "the registry head" with "the block being
// extended". See SPEC_FULL.md §9 for why that source-level aliasing bug
// is not reproduced here.
func (m *Manager) ExtendHeap(intent block.Intent, target *block.Header, requestedPayload, requestedTotal int) *block.Header {
	if intent == block.IntentReallocGrow {
		if target.Next != nil {
			return nil
		}
		grow := requestedPayload - target.Size
		m.Sbrk(grow)
		target.Size = requestedPayload
		target.Status = block.Alloc
		diag.Trace("extend", "realloc-mode target=%p new size=%d", target.Addr(), target.Size)
		return target
	}

	tail := m.reg.Tail()
	if tail == nil || tail.Status != block.Free {
		return nil
	}
	grow := requestedTotal - block.HeaderSize - tail.Size
	m.Sbrk(grow)
	tail.Size = requestedTotal - block.HeaderSize
	tail.Status = block.Alloc
	diag.Trace("extend", "normal-mode tail=%p new size=%d", tail.Addr(), tail.Size)
	return tail
}

// TryAll implements §4.3.4: the full arena reuse pipeline. Coalesce
// globally, then best-fit-and-split, then on miss try extending the tail.
// Returns nil only if all three steps fail; the caller must then SBRK a
// fresh block of exactly requestedTotal bytes.
func (m *Manager) TryAll(requestedTotal int) *block.Header {
	m.Coalesce(block.IntentNormal, nil)

	if h := m.SearchAndSplit(requestedTotal); h != nil {
		return h
	}

	return m.ExtendHeap(block.IntentNormal, nil, 0, requestedTotal)
}

// SplitRealloc implements the splitRealloc helper used by both
// realloc-shrink and extend_realloc's post-growth trim: if block can
// spare at least align(1) bytes of payload after carving out newPayload,
// a FREE successor holding the residual is created and spliced in;
// otherwise block is left unchanged.
func (m *Manager) SplitRealloc(node *block.Header, newPayload int) {
	residual := node.Size - newPayload
	if residual < block.HeaderSize+block.Align(1) {
		return
	}

	at := unsafe.Add(unsafe.Pointer(node), block.HeaderSize+newPayload)
	free := block.NewArenaBlock(at, residual-block.HeaderSize, block.Free)

	free.Next = node.Next
	free.Prev = node
	if node.Next != nil {
		node.Next.Prev = free
	}
	node.Next = free
	node.Size = newPayload

	diag.Trace("split-realloc", "node=%p residual=%p", node.Addr(), free.Addr())
}

// ExtendRealloc implements extend_realloc: defensive revalidation that
// node is still present in the registry, successor-only coalesce, and — if
// growth reached newPayload — a trimming split back down to exactly
// newPayload. Returns false if node has no successor to absorb or if the
// post-coalesce size still falls short of newPayload, in which case the
// caller must fall back to allocate-copy-free.
func (m *Manager) ExtendRealloc(node *block.Header, newPayload int) bool {
	if !m.stillRegistered(node) {
		return false
	}
	if node.Next == nil {
		return false
	}

	m.Coalesce(block.IntentReallocGrow, node)
	if node.Size < newPayload {
		return false
	}

	m.SplitRealloc(node, newPayload)
	return true
}

// stillRegistered walks from head to confirm node is still a live member
// of the registry, mirroring the defensive revalidation the design notes
// call for before mutating a block via a pointer obtained earlier in the
// same call.
func (m *Manager) stillRegistered(node *block.Header) bool {
	found := false
	m.reg.Each(func(h *block.Header) bool {
		if h == node {
			found = true
			return false
		}
		return true
	})
	return found
}
