// Package umalloc is a userspace general-purpose heap allocator. It manages
// memory from two kernel sources — a contiguous program-break arena grown
// via SBRK, and independent anonymous MMAP regions — and exposes four
// entry points: Malloc, Free, Calloc, Realloc.
//
// The allocator reuses freed arena space through coalescing, best-fit
// search, and splitting (internal/arena) before ever asking the kernel for
// more memory (internal/sysmem). Every block, arena or mapped, is tracked
// in a single process-wide registry (internal/registry) via a metadata
// header prefixed to its payload (internal/block).
//
// This design is single-threaded by contract: none of its package-level
// state is synchronized. Callers needing concurrent access must provide
// their own mutual exclusion.
//
// Grounded on buf.build/go/hyperpb's internal/arena package for the shape
// of a bump/reuse arena manager with an explicit Grow policy, generalized
// here from a bump allocator to the coalesce/best-fit/split/extend
// pipeline this design specifies.
package umalloc
