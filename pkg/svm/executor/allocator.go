package executor

import (
	"fmt"

	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
)

const allocAlign = 8

// allocator is a bump allocator over the VM heap. Freed memory is never
// reused; a call that needs more than the heap traps.
type allocator struct {
	next uint64
	size uint64
}

func newAllocator(size uint64) *allocator {
	return &allocator{size: size}
}

// malloc returns the VM address of n fresh bytes.
func (a *allocator) malloc(n uint64) (uint64, error) {
	start := (a.next + allocAlign - 1) &^ (allocAlign - 1)
	if start > a.size || n > a.size-start {
		return 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrOutOfMemory, n, a.free())
	}
	a.next = start + n
	return sbpf.VaddrHeap + start, nil
}

func (a *allocator) free() uint64 {
	if a.next >= a.size {
		return 0
	}
	return a.size - a.next
}
