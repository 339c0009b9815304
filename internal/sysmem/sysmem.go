// Package sysmem wraps the two kernel memory sources the allocator draws
// from: extending the program break (SBRK) and independent anonymous
// mappings (MMAP/MUNMAP). Both are fatal on failure — there is no
// recoverable path for kernel memory exhaustion.
//
// Grounded on two corpus examples: the Mmap/Munmap use in
// other_examples/alewtschuk-balloc (unix.Mmap with PROT_READ|PROT_WRITE,
// MAP_PRIVATE|MAP_ANONYMOUS, pointer arithmetic over the mapped base), and
// the raw mmap/munmap syscall sequences xyproto-vibe67/arena.go emits from
// its JIT backend. Go's standard library exposes no portable sbrk, so the
// program break is grown with a raw brk(2) syscall, the same primitive
// every libc sbrk() is a thin wrapper over.
package sysmem

import (
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vibelabs/umalloc/internal/diag"
)

// Event records one call into this package, for comparing against a golden
// syscall trace the way the reference allocator's test harness does.
type Event struct {
	ID   uuid.UUID
	Op   string // "sbrk", "mmap", or "munmap"
	Addr uintptr
	Len  int
	// MapID is the ID of the "mmap" Event that created the region a
	// "munmap" Event releases. Zero (uuid.Nil) for sbrk and mmap events.
	// It is how a trace consumer matches a release back to its mapping
	// without relying on Addr, which the kernel is free to reuse once
	// released.
	MapID uuid.UUID
}

// trace is the process-wide record of every primitive call. Like the rest
// of the allocator's state, it is unsynchronized: this design is
// single-threaded by contract.
var trace []Event

// openMaps tracks the Event ID each live mapping was created under, so
// Munmap can tag its own Event with the mapping it is releasing.
var openMaps = map[uintptr]uuid.UUID{}

// Trace returns a copy of every primitive call recorded so far.
func Trace() []Event {
	return append([]Event(nil), trace...)
}

// ResetTrace clears the recorded trace. Test-only; production code never
// calls this, since the trace is meant to be a complete record for the
// lifetime of the process.
func ResetTrace() {
	trace = nil
	openMaps = map[uintptr]uuid.UUID{}
}

func record(op string, addr uintptr, n int, mapID uuid.UUID) uuid.UUID {
	id := uuid.New()
	trace = append(trace, Event{ID: id, Op: op, Addr: addr, Len: n, MapID: mapID})
	diag.Trace(op, "addr=%#x len=%d id=%s", addr, n, id)
	return id
}

// brk issues the raw brk(2) syscall. Passing 0 queries the current break
// without moving it.
func brk(addr uintptr) (uintptr, error) {
	newBrk, _, errno := unix.RawSyscall(unix.SYS_BRK, addr, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return newBrk, nil
}

// Sbrk extends the program break by n bytes and returns the start of the
// newly added region (the previous break). Fatal if the kernel cannot
// satisfy the request.
func Sbrk(n int) unsafe.Pointer {
	cur, err := brk(0)
	if err != nil {
		diag.Fatalf("sbrk(%d): query current break: %v", n, err)
	}

	want := cur + uintptr(n)
	got, err := brk(want)
	if err != nil || got < want {
		diag.Fatalf("sbrk(%d): kernel refused to extend break to %#x (got %#x, err=%v)", n, want, got, err)
	}

	record("sbrk", cur, n, uuid.Nil)
	return unsafe.Pointer(cur)
}

// Mmap requests a private anonymous read/write mapping of n bytes. Fatal on
// failure.
func Mmap(n int) unsafe.Pointer {
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		diag.Fatalf("mmap(%d): %v", n, err)
	}

	p := unsafe.Pointer(unsafe.SliceData(data))
	id := record("mmap", uintptr(p), n, uuid.Nil)
	openMaps[uintptr(p)] = id
	return p
}

// Munmap releases a mapping previously obtained from Mmap. n must be the
// exact length passed to Mmap. Fatal on failure.
func Munmap(p unsafe.Pointer, n int) {
	b := unsafe.Slice((*byte)(p), n)
	if err := unix.Munmap(b); err != nil {
		diag.Fatalf("munmap(%p, %d): %v", p, n, err)
	}

	mapID := openMaps[uintptr(p)]
	delete(openMaps, uintptr(p))
	record("munmap", uintptr(p), n, mapID)
}

// PageSize returns the kernel's page size, queried at runtime.
func PageSize() int {
	return unix.Getpagesize()
}
