//go:build wasip1

package main

import (
	"unsafe"
)

// allocations pins buffers handed to the host so the GC keeps them alive
// until the host calls free.
var allocations = map[uintptr][]byte{}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	allocations[ptr] = buf
	return uint32(ptr)
}

//go:wasmexport free
func free(ptr uint32) {
	delete(allocations, uintptr(ptr))
}

//go:wasmexport invoke
func invoke(ptr, size uint32) uint64 {
	var input []byte
	if size > 0 {
		input = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	}

	output := handle(input)
	if len(output) == 0 {
		return 0
	}

	outPtr := malloc(uint32(len(output)))
	copy(allocations[uintptr(outPtr)], output)
	return uint64(outPtr)<<32 | uint64(uint32(len(output)))
}

func main() {}
