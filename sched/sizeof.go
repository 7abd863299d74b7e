package sched

// Cache-line sizing constants used to pad hot atomics in the microtask ring
// so producer and consumer cursors don't false-share a line.
const (
	sizeOfCacheLine     = 64
	sizeOfAtomicUint64  = 8
)
