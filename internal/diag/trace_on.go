//go:build umalloc_trace

package diag

import (
	"fmt"
	"os"
)

// Enabled is true when this package was built with the umalloc_trace tag.
const Enabled = true

// Trace writes one line to stderr identifying an allocator event
// (coalesce, split, extend, sbrk, mmap, munmap, ...) and its arguments.
// Compiled to a no-op without the umalloc_trace build tag, so production
// builds pay nothing for it.
func Trace(event, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "umalloc: %s: "+format+"\n", append([]any{event}, args...)...)
}

// Assert panics if cond is false. Only active in trace builds: it is a
// developer safety net, not a production control path.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("umalloc: internal assertion failed: "+format, args...))
	}
}
