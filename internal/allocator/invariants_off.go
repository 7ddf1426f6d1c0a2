//go:build !invariants

package allocator

const checkInvariants = false
