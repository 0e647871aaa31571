package cma

// ContiguousAllocator hands out physically contiguous memory. It models the
// platform CMA area the heap chunks come from.
type ContiguousAllocator interface {
	// AllocAt tries to allocate length bytes starting at base. The returned
	// address may differ from base when the range is not available; the
	// caller owns whatever was returned and must free it.
	AllocAt(base, length uint64) (uint64, error)

	// Free releases a block returned by AllocAt.
	Free(base, length uint64)
}

// ResizeNotifier is told about every change of the active window before the
// change becomes visible, for example to reprogram a protected region.
type ResizeNotifier interface {
	OnResize(newBase, newLen uint64) error
}

// ResizeNotifierFunc adapts a function to ResizeNotifier.
type ResizeNotifierFunc func(newBase, newLen uint64) error

// OnResize calls f.
func (f ResizeNotifierFunc) OnResize(newBase, newLen uint64) error {
	return f(newBase, newLen)
}
