//go:build invariants

package allocator

// Built with -tags invariants, bookkeeping bugs panic instead of returning errors.
const checkInvariants = true
