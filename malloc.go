package umalloc

import (
	"unsafe"

	"github.com/vibelabs/umalloc/internal/arena"
	"github.com/vibelabs/umalloc/internal/block"
	"github.com/vibelabs/umalloc/internal/registry"
	"github.com/vibelabs/umalloc/internal/sysmem"
)

// MMapThreshold is the default cutoff above which allocations bypass the
// arena and go straight to an independent MMAP.
const MMapThreshold = 128 * 1024

// ArenaPrealloc is the size of the first arena extension: the whole slab
// is handed to the first caller regardless of what it asked for (§4.4.1's
// documented first-allocation quirk).
const ArenaPrealloc = MMapThreshold

// reg and mgr are process-wide: initialized to zero/empty at process start
// and never torn down, matching this design's single-arena, no-shutdown
// lifecycle.
var (
	reg = &registry.Registry{}
	mgr = arena.New(reg)

	arenaPreallocated bool
)

// Malloc allocates size bytes and returns a pointer to the start of the
// block, or nil if size is zero or negative. Never fails for any other
// reason: kernel memory exhaustion is fatal, not a recoverable error (see
// internal/sysmem).
func Malloc(size int) unsafe.Pointer {
	return alloc(size, block.IntentNormal)
}

// Free releases a block previously returned by Malloc, Calloc, or
// Realloc. Freeing nil is a no-op. Freeing an already-freed block is a
// silent no-op (defensive against double-free; this design raises no
// error for it). Freeing a misaligned or out-of-registry pointer is
// undefined behavior — no validation is performed.
func Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	h := block.FromData(p)
	switch h.Status {
	case block.Alloc:
		h.Status = block.Free
		// Coalescing is deliberately deferred to the next allocation's
		// TryAll pass, not performed here.
	case block.Mapped:
		reg.Unlink(h)
		sysmem.Munmap(h.Addr(), h.Size)
	case block.Free:
		// Already free: absorbed silently.
	}
}

// Calloc allocates space for count elements of size bytes each and zeroes
// it, returning nil if either argument is zero.
func Calloc(count, size int) unsafe.Pointer {
	if count == 0 || size == 0 {
		return nil
	}

	n := block.Align(count * size)
	p := alloc(n, block.IntentZeroInit)
	if p == nil {
		return nil
	}

	// A MAPPED block's pages came straight from the kernel, already zero;
	// the page-size threshold under IntentZeroInit exists precisely so
	// this memset can be skipped at scale (§4.4.3).
	if block.FromData(p).Status != block.Mapped {
		zero(p, n)
	}
	return p
}

// Realloc resizes the block at p to size bytes, preserving its content up
// to the smaller of the old and new sizes. A size of zero frees p and
// returns nil. A nil p behaves as Malloc. Realloc-ing an already-freed
// block returns nil (an undefined-behavior guard, not a recoverable
// error).
func Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	if size == 0 {
		Free(p)
		return nil
	}
	if p == nil {
		return alloc(size, block.IntentNormal)
	}

	h := block.FromData(p)
	if h.Status == block.Free {
		return nil
	}

	newPayload := block.Align(size)
	if newPayload == h.Size {
		return p
	}

	if h.Status == block.Mapped {
		return reallocMapped(h, p, size, newPayload)
	}
	return reallocArena(h, p, size, newPayload)
}

func reallocMapped(h *block.Header, p unsafe.Pointer, userSize, newPayload int) unsafe.Pointer {
	np := alloc(userSize, block.IntentNormal)
	if np == nil {
		return nil
	}
	copyBytes(np, p, min(newPayload, h.Size))
	Free(p)
	return np
}

func reallocArena(h *block.Header, p unsafe.Pointer, userSize, newPayload int) unsafe.Pointer {
	if newPayload < h.Size {
		mgr.SplitRealloc(h, newPayload)
		return p
	}

	if h.Next != nil {
		if mgr.ExtendRealloc(h, newPayload) {
			return p
		}
	} else if got := mgr.ExtendHeap(block.IntentReallocGrow, h, newPayload, 0); got != nil {
		return p
	}

	// In-place growth failed: fall back to allocate fresh, copy, free old.
	np := alloc(userSize, block.IntentNormal)
	if np == nil {
		return nil
	}
	copyBytes(np, p, h.Size)
	Free(p)
	return np
}

// alloc implements §4.4.1: the allocate path shared by Malloc and the
// non-zeroing half of Calloc/Realloc. intent selects the threshold
// (MMapThreshold normally, the page size under IntentZeroInit) and leaves
// the ALLOC/MAPPED status as its only other effect on the returned block.
func alloc(userSize int, intent block.Intent) unsafe.Pointer {
	if userSize <= 0 {
		return nil
	}

	total := block.Align(userSize) + block.HeaderSize

	threshold := MMapThreshold
	if intent == block.IntentZeroInit {
		threshold = sysmem.PageSize()
	}

	if total >= threshold {
		p := sysmem.Mmap(total)
		h := block.NewMappedBlock(p, total)
		reg.InsertTail(h)
		return h.Data()
	}

	if !arenaPreallocated {
		arenaPreallocated = true
		p := mgr.Sbrk(ArenaPrealloc)
		h := block.NewArenaBlock(p, ArenaPrealloc-block.HeaderSize, block.Alloc)
		reg.InsertTail(h)
		return h.Data()
	}

	if h := mgr.TryAll(total); h != nil {
		return h.Data()
	}

	p := mgr.Sbrk(total)
	h := block.NewArenaBlock(p, total-block.HeaderSize, block.Alloc)
	reg.InsertTail(h)
	return h.Data()
}

func zero(p unsafe.Pointer, n int) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(dst, src unsafe.Pointer, n int) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}
