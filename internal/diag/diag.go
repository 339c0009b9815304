// Package diag is the allocator's one and only channel to the outside
// world for anything that isn't a return value: fatal kernel-primitive
// failures and (when built with the umalloc_trace tag) a verbose trace of
// coalesce/split/extend/syscall events.
//
// Grounded on buf.build/go/hyperpb's internal/debug package, which gates a
// similar logger behind a "debug" build tag, and on its internal/debug
// stack-capture helper used to annotate panics with a readable trace.
package diag

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
)

// Fatalf reports a fatal condition — a kernel primitive (SBRK/MMAP/MUNMAP)
// returning failure — to standard error and terminates the process. This is
// the only recovery policy the allocator has for memory exhaustion; there
// is no graceful degradation path.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "umalloc: fatal: "+format+"\n", args...)
	fmt.Fprint(os.Stderr, stack(2))
	os.Exit(1)
}

// stack renders a readable call stack, skipping the given number of frames.
func stack(skip int) string {
	var out strings.Builder

	trace := make([]uintptr, 32)
	for {
		n := runtime.Callers(skip, trace)
		if n < len(trace) {
			trace = trace[:n]
			break
		}
		trace = make([]uintptr, len(trace)*2)
	}

	frames := runtime.CallersFrames(trace)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&out, "\t%s() %s:%d\n",
			path.Base(frame.Function), path.Base(frame.File), frame.Line)
		if !more {
			break
		}
	}

	return out.String()
}
