package cma

import "errors"

// Errors returned by heaps. Callers match them with errors.Is.
var (
	ErrConfig            = errors.New("cma: invalid heap configuration")
	ErrOutOfMemory       = errors.New("cma: out of memory")
	ErrNotifierRejected  = errors.New("cma: resize rejected by notifier")
	ErrInvalidAllocation = errors.New("cma: unknown allocation")
	ErrInvalidSize       = errors.New("cma: invalid allocation size")
	ErrBusy              = errors.New("cma: heap has live allocations")
	ErrClosed            = errors.New("cma: heap is closed")
)
