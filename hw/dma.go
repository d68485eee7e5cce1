// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DMA heap over a single physically contiguous arena.  The arena is
// supplied by the platform (uio-dma, hugepage mapping, ...) together
// with its bus address; devices read and write it without translation.
type dmaHeap struct {
	mu sync.Mutex

	data []byte
	phys uintptr

	// Free blocks sorted by offset; adjacent blocks are merged on free.
	free []dmaBlock

	// Allocation size by offset, for DmaFree.
	alloc map[uint]uint
}

type dmaBlock struct {
	offset, size uint
}

var heap = &dmaHeap{}

// DmaInit gives the heap its backing arena.  b must be physically
// contiguous starting at bus address phys.
func DmaInit(b []byte, phys uintptr) {
	h := heap
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = b
	h.phys = phys
	h.free = []dmaBlock{{0, uint(len(b))}}
	h.alloc = make(map[uint]uint)
}

// DmaInitAnonymous backs the heap with anonymous memory.  Bus addresses
// are fake; only useful for tests and software models.
func DmaInitAnonymous(n uint) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(err)
	}
	DmaInit(b, uintptr(unsafe.Pointer(&b[0])))
}

func DmaIsInitialized() bool {
	h := heap
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data != nil
}

// DmaAllocAligned returns n bytes of zeroed DMA memory aligned to
// 1<<log2Align bytes.
func DmaAllocAligned(n, log2Align uint) (b []byte, offset uint, err error) {
	h := heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		err = fmt.Errorf("dma heap not initialized")
		return
	}
	align := uint(1) << log2Align
	for i := range h.free {
		f := h.free[i]
		o := (f.offset + align - 1) &^ (align - 1)
		pad := o - f.offset
		if f.size < pad+n {
			continue
		}
		// Split off leading pad and trailing remainder.
		h.free = append(h.free[:i], h.free[i+1:]...)
		if pad != 0 {
			h.free = insertBlock(h.free, dmaBlock{f.offset, pad})
		}
		if rest := f.size - pad - n; rest != 0 {
			h.free = insertBlock(h.free, dmaBlock{o + n, rest})
		}
		h.alloc[o] = n
		b = h.data[o : o+n : o+n]
		for i := range b {
			b[i] = 0
		}
		offset = o
		return
	}
	err = fmt.Errorf("dma heap: out of memory allocating %d bytes", n)
	return
}

// DmaFree returns the block allocated at offset to the heap.
func DmaFree(offset uint) {
	h := heap
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.alloc[offset]
	if !ok {
		panic(fmt.Errorf("dma heap: free of unallocated offset 0x%x", offset))
	}
	delete(h.alloc, offset)
	h.free = insertBlock(h.free, dmaBlock{offset, n})
	h.free = mergeBlocks(h.free)
}

func insertBlock(fs []dmaBlock, b dmaBlock) []dmaBlock {
	i := 0
	for i < len(fs) && fs[i].offset < b.offset {
		i++
	}
	fs = append(fs, dmaBlock{})
	copy(fs[i+1:], fs[i:])
	fs[i] = b
	return fs
}

func mergeBlocks(fs []dmaBlock) []dmaBlock {
	out := fs[:0]
	for _, f := range fs {
		if n := len(out); n > 0 && out[n-1].offset+out[n-1].size == f.offset {
			out[n-1].size += f.size
		} else {
			out = append(out, f)
		}
	}
	return out
}

func DmaGetPointer(offset uint) unsafe.Pointer { return unsafe.Pointer(&heap.data[offset]) }

// DmaPhysAddress translates a virtual address inside the arena to the
// bus address a device must be given.
func DmaPhysAddress(a uintptr) uintptr {
	h := heap
	return h.phys + (a - uintptr(unsafe.Pointer(&h.data[0])))
}

// DmaVirtAddress is the inverse translation.  Used when a device hands
// back a bus address (event ring entries, dequeue pointers).
func DmaVirtAddress(phys uintptr) unsafe.Pointer {
	h := heap
	return unsafe.Pointer(uintptr(unsafe.Pointer(&h.data[0])) + (phys - h.phys))
}

func DmaHeapUsage() string {
	h := heap
	h.mu.Lock()
	defer h.mu.Unlock()
	used := uint(0)
	for _, n := range h.alloc {
		used += n
	}
	return fmt.Sprintf("%d allocations, %d/%d bytes used", len(h.alloc), used, len(h.data))
}
