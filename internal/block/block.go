// Package block defines the metadata header prefixed to every allocation
// and the alignment arithmetic the rest of the allocator builds on.
//
// Grounded on the BlockHeader layout in
// SeleniaProject-Orizon/internal/runtime/block_manager.go (a header carrying
// Size/Flags/Prev/Next immediately before user data) and on the alignment
// helpers in buf.build/go/hyperpb's internal/unsafe2 package.
package block

import "unsafe"

// AlignBytes is the allocator's alignment granularity. The design does not
// support alignment requirements stricter than this.
const AlignBytes = 8

// Align rounds n up to the next multiple of AlignBytes.
func Align(n int) int {
	return (n + AlignBytes - 1) &^ (AlignBytes - 1)
}

// Status is the lifecycle state of a registry node.
type Status uint8

const (
	// Free blocks live in the arena and are available for reuse.
	Free Status = iota
	// Alloc blocks live in the arena and are currently handed out.
	Alloc
	// Mapped blocks are backed by an independent MMAP region, not the arena.
	Mapped
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Alloc:
		return "alloc"
	case Mapped:
		return "mapped"
	default:
		return "unknown"
	}
}

// Intent distinguishes the three allocation pipelines that vary threshold
// and in-place-growth policy. It replaces the ambient calloc_mode/
// realloc_mode process-wide flags with an explicit parameter, per the
// redesign recommended for this allocator: the observable behavior is
// unchanged, but nothing is read from hidden global state.
type Intent uint8

const (
	// IntentNormal is a plain Malloc/Free-path allocation.
	IntentNormal Intent = iota
	// IntentZeroInit marks a Calloc-path allocation: the arena/mapping
	// threshold switches from MMapThreshold to the page size.
	IntentZeroInit
	// IntentReallocGrow marks the in-place growth path of Realloc: the
	// target block's successor may be coalesced into it, and the target may
	// be extended via SBRK even though it is not itself FREE.
	IntentReallocGrow
)

// Header is the fixed-size metadata record prefixed to every block, arena or
// mapped. Its size, rounded up to AlignBytes, is HeaderSize.
type Header struct {
	// Size is the payload-plus-padding byte count, NOT including this
	// header, for arena blocks. For MAPPED blocks it instead holds the
	// total mapping length (header included) — the legacy quirk described
	// at the type level by the two constructors below, preserved for
	// syscall-trace compatibility.
	Size int
	// Status is one of Free, Alloc, Mapped.
	Status Status
	Next   *Header
	Prev   *Header
}

// HeaderSize is sizeof(Header) rounded up to AlignBytes.
const HeaderSize = int((rawHeaderSize + AlignBytes - 1) &^ (AlignBytes - 1))

const rawHeaderSize = unsafe.Sizeof(Header{})

// NewArenaBlock places a header at the start of an arena region, with Size
// set to the payload-only byte count (the arena convention). The returned
// block has no registry links; callers insert it themselves.
func NewArenaBlock(at unsafe.Pointer, payload int, status Status) *Header {
	h := (*Header)(at)
	*h = Header{Size: payload, Status: status}
	return h
}

// NewMappedBlock places a header at the start of an MMAP'd region, with
// Size set to the total mapping length including the header — the value
// that must later be passed back to MUNMAP. See the Size field doc for why
// this differs from NewArenaBlock.
func NewMappedBlock(at unsafe.Pointer, totalMappingLen int) *Header {
	h := (*Header)(at)
	*h = Header{Size: totalMappingLen, Status: Mapped}
	return h
}

// Data returns the user pointer: the address immediately after the header.
func (h *Header) Data() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), HeaderSize)
}

// FromData recovers a block header from a user pointer previously returned
// by Data.
func FromData(p unsafe.Pointer) *Header {
	return (*Header)(unsafe.Add(p, -HeaderSize))
}

// ArenaSpan returns the number of bytes this arena block occupies in the
// arena, header included. Only meaningful for Free/Alloc blocks.
func (h *Header) ArenaSpan() int {
	return HeaderSize + h.Size
}

// ArenaEnd returns the address immediately past this arena block's owned
// range: header, payload, and padding.
func (h *Header) ArenaEnd() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), h.ArenaSpan())
}

// Addr exposes the header's own address, mostly for tracing and tests.
func (h *Header) Addr() unsafe.Pointer {
	return unsafe.Pointer(h)
}
