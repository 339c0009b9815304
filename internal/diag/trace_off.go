//go:build !umalloc_trace

package diag

// Enabled is false unless this package was built with the umalloc_trace tag.
const Enabled = false

// Trace is a no-op outside trace builds.
func Trace(event, format string, args ...any) {}

// Assert is a no-op outside trace builds.
func Assert(cond bool, format string, args ...any) {}
