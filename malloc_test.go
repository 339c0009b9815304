package umalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibelabs/umalloc/internal/arena"
	"github.com/vibelabs/umalloc/internal/block"
	"github.com/vibelabs/umalloc/internal/registry"
	"github.com/vibelabs/umalloc/internal/sysmem"
)

// resetState restores the package-level allocator state to its zero-value,
// process-start condition. Production code never does this — the design's
// lifecycle is "initialized once, never torn down" — but each test needs a
// fresh arena to assert exact addresses and syscall counts.
func resetState(t *testing.T) {
	t.Helper()
	reg = &registry.Registry{}
	mgr = arena.New(reg)
	arenaPreallocated = false
	sysmem.ResetTrace()
}

func sbrkCount(t *testing.T) int {
	t.Helper()
	n := 0
	for _, ev := range sysmem.Trace() {
		if ev.Op == "sbrk" {
			n++
		}
	}
	return n
}

func mmapCount(t *testing.T) int {
	t.Helper()
	n := 0
	for _, ev := range sysmem.Trace() {
		if ev.Op == "mmap" {
			n++
		}
	}
	return n
}

// --- §8 scenario 1 ---

func TestFirstMallocPrealllocatesWholeSlab(t *testing.T) {
	resetState(t)

	p := Malloc(100)
	require.NotEqual(t, unsafe.Pointer(nil), p)

	assert.Equal(t, 1, sbrkCount(t))
	tr := sysmem.Trace()
	require.Len(t, tr, 1)
	assert.Equal(t, ArenaPrealloc, tr[0].Len)

	h := block.FromData(p)
	assert.Equal(t, ArenaPrealloc-block.HeaderSize, h.Size, "first allocation returns the entire prealloc slab")
	assert.Equal(t, block.Alloc, h.Status)
	assert.Equal(t, uintptr(0), uintptr(p)%block.AlignBytes)
}

// --- §8 scenario 2 ---
//
// spec.md's literal framing ("only one SBRK; second call reuses the first
// arena via split") assumes the first call leaves FREE space behind it.
// Scenario 1 mandates the opposite: the first call consumes the *entire*
// prealloc slab as a single ALLOC block, so there is nothing left for a
// second small allocation to split from — it forces its own SBRK. See
// SPEC_FULL.md §9 ("Scenario 1 vs. scenarios 2/5") and DESIGN.md for the
// resolution: the quirk wins, and this test asserts the sbrk count (two)
// that quirk actually produces, while still checking the part of the
// scenario that remains true — the second block lands contiguously right
// after the first.

func TestSecondMallocAfterWholeSlabTriggersSecondSbrk(t *testing.T) {
	resetState(t)

	p1 := Malloc(100)
	p2 := Malloc(100)

	assert.Equal(t, 2, sbrkCount(t), "the first call already consumed the whole slab, leaving no FREE space to reuse")

	h1 := block.FromData(p1)
	h2 := block.FromData(p2)
	require.Same(t, h2, h1.Next, "the second block is appended immediately after the first")
	assert.Equal(t, h1.ArenaEnd(), h2.Addr(), "the second block is contiguous with the first in the arena")
	assert.Equal(t, block.Align(100), h2.Size)
}

// --- §8 scenario 3 ---

func TestLargeMallocUsesMmapNotSbrk(t *testing.T) {
	resetState(t)

	p := Malloc(200 * 1024)
	require.NotEqual(t, unsafe.Pointer(nil), p)

	assert.Equal(t, 0, sbrkCount(t))
	assert.Equal(t, 1, mmapCount(t))

	h := block.FromData(p)
	assert.Equal(t, block.Mapped, h.Status)
	assert.Equal(t, block.Align(200*1024)+block.HeaderSize, h.Size)
}

// --- §8 scenario 4 ---

func TestFreeThenMallocReusesSameAddress(t *testing.T) {
	resetState(t)

	p := Malloc(100)
	Free(p)
	q := Malloc(100)

	assert.Equal(t, p, q)
	assert.Equal(t, 1, sbrkCount(t))
}

// --- §8 scenario 5 ---
//
// As with scenario 2 above, the mandatory whole-slab quirk means the first
// Malloc already forces a second SBRK for the second call before either is
// freed — so the total here is two SBRKs, not one. The part of the
// scenario under test — that freeing and coalescing both blocks lets the
// bigger request reuse the first block's address — still holds. See
// SPEC_FULL.md §9 ("Scenario 1 vs. scenarios 2/5").

func TestCoalesceAcrossTwoFreesThenBiggerMalloc(t *testing.T) {
	resetState(t)

	p := Malloc(50)
	q := Malloc(50)
	Free(p)
	Free(q)
	r := Malloc(120)

	assert.Equal(t, p, r, "coalesced region should satisfy the larger request at p's address")
	assert.Equal(t, 2, sbrkCount(t))
}

// --- §8 scenario 6 ---

func TestCallocSmallZeroesAndUsesArena(t *testing.T) {
	resetState(t)

	p := Calloc(1, 10)
	require.NotEqual(t, unsafe.Pointer(nil), p)
	assert.Equal(t, 1, sbrkCount(t))

	b := unsafe.Slice((*byte)(p), block.Align(10))
	for _, v := range b {
		assert.Equal(t, byte(0), v)
	}
}

func TestCallocLargeUsesMmap(t *testing.T) {
	resetState(t)

	p := Calloc(1, 200*1024)
	require.NotEqual(t, unsafe.Pointer(nil), p)
	assert.Equal(t, 1, mmapCount(t))
	assert.Equal(t, 0, sbrkCount(t))
}

// --- §4.4.3 edge cases ---

func TestCallocZeroArgsReturnNil(t *testing.T) {
	resetState(t)
	assert.Nil(t, Calloc(0, 10))
	assert.Nil(t, Calloc(10, 0))
}

// --- §4.4.2 edge cases ---

func TestFreeNilIsNoop(t *testing.T) {
	resetState(t)
	Free(nil)
	assert.Equal(t, 0, len(sysmem.Trace()))
}

func TestDoubleFreeIsSilentNoop(t *testing.T) {
	resetState(t)
	p := Malloc(100)
	Free(p)
	Free(p) // must not panic or corrupt state

	h := block.FromData(p)
	assert.Equal(t, block.Free, h.Status)
}

func TestFreeMappedUnlinksAndMunmaps(t *testing.T) {
	resetState(t)
	p := Malloc(200 * 1024)
	Free(p)

	tr := sysmem.Trace()
	require.Len(t, tr, 2)
	assert.Equal(t, "munmap", tr[1].Op)
	assert.Equal(t, tr[0].Len, tr[1].Len)
	assert.Nil(t, reg.Head())
}

// --- Malloc edge cases ---

func TestMallocNonPositiveReturnsNil(t *testing.T) {
	resetState(t)
	assert.Nil(t, Malloc(0))
	assert.Nil(t, Malloc(-1))
}

// --- §8 realloc properties ---

func TestReallocSameSizeReturnsSamePointer(t *testing.T) {
	resetState(t)
	p := Malloc(100)
	q := Realloc(p, 100)
	assert.Equal(t, p, q)
}

func TestReallocZeroFreesAndReturnsNil(t *testing.T) {
	resetState(t)
	p := Malloc(100)
	q := Realloc(p, 0)
	assert.Nil(t, q)

	h := block.FromData(p)
	assert.Equal(t, block.Free, h.Status)
}

func TestReallocNilBehavesAsMalloc(t *testing.T) {
	resetState(t)
	p := Realloc(nil, 100)
	require.NotEqual(t, unsafe.Pointer(nil), p)
	assert.Equal(t, block.Alloc, block.FromData(p).Status)
}

func TestReallocOfFreedBlockReturnsNil(t *testing.T) {
	resetState(t)
	p := Malloc(100)
	Free(p)
	assert.Nil(t, Realloc(p, 200))
}

func TestReallocShrinkSplitsInPlace(t *testing.T) {
	resetState(t)
	p := Malloc(1000)
	h := block.FromData(p)
	originalSize := h.Size

	q := Realloc(p, 100)
	assert.Equal(t, p, q)
	assert.Equal(t, block.Align(100), h.Size)
	require.NotNil(t, h.Next)
	assert.Equal(t, block.Free, h.Next.Status)
	assert.Equal(t, originalSize-block.Align(100)-block.HeaderSize, h.Next.Size)
}

func TestReallocGrowPreservesContent(t *testing.T) {
	resetState(t)
	p := Malloc(50)
	b := unsafe.Slice((*byte)(p), 50)
	for i := range b {
		b[i] = byte(i)
	}

	q := Realloc(p, 500)
	require.NotEqual(t, unsafe.Pointer(nil), q)

	got := unsafe.Slice((*byte)(q), 50)
	for i := range got {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestReallocGrowOnTailExtendsInPlace(t *testing.T) {
	resetState(t)
	p := Malloc(100) // sole arena block: the full prealloc slab, is the tail

	q := Realloc(p, 200*1024) // large enough to force growth beyond the slab
	assert.Equal(t, p, q, "sole arena block is always the tail; growth should extend in place")
}

func TestReallocMappedCopiesAndFrees(t *testing.T) {
	resetState(t)
	p := Malloc(200 * 1024)
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	q := Realloc(p, 300*1024)
	require.NotEqual(t, unsafe.Pointer(nil), q)
	assert.NotEqual(t, p, q)

	got := unsafe.Slice((*byte)(q), 16)
	for i := range got {
		assert.Equal(t, byte(i+1), got[i])
	}
}

// --- §8 invariants, checked via registry.Snapshot ---

func TestPostMallocNoAdjacentFreeNodes(t *testing.T) {
	resetState(t)
	p := Malloc(50)
	q := Malloc(50)
	Free(p)
	Free(q)
	Malloc(10) // triggers TryAll's global coalesce

	for n := reg.Snapshot(); n != nil && n.Next != nil; n = n.Next {
		if n.Status == block.Free {
			assert.NotEqual(t, block.Free, n.Next.Status, "no two adjacent FREE arena nodes after a malloc call")
		}
	}
}

func TestAllSizesAreAlignedMultiples(t *testing.T) {
	resetState(t)
	Malloc(1)
	Malloc(7)
	Malloc(1000)
	Calloc(3, 5)

	for n := reg.Snapshot(); n != nil; n = n.Next {
		assert.Equal(t, 0, n.Size%block.AlignBytes)
	}
}
