// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"sync"
	"testing"
	"unsafe"
)

var dma_test_once sync.Once

func dma_test_init() {
	dma_test_once.Do(func() { DmaInitAnonymous(1 << 20) })
}

func TestDmaAlignment(t *testing.T) {
	dma_test_init()
	for _, log2 := range []uint{4, 6, 12} {
		b, offset, err := DmaAllocAligned(64, log2)
		if err != nil {
			t.Fatal(err)
		}
		a := uintptr(unsafe.Pointer(&b[0]))
		if a&(1<<log2-1) != 0 {
			t.Errorf("log2 %d: address 0x%x not aligned", log2, a)
		}
		if offset&(1<<log2-1) != 0 {
			t.Errorf("log2 %d: offset 0x%x not aligned", log2, offset)
		}
		DmaFree(offset)
	}
}

func TestDmaZeroed(t *testing.T) {
	dma_test_init()
	b, offset, err := DmaAllocAligned(256, 6)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] = 0xff
	}
	DmaFree(offset)
	b, offset, err = DmaAllocAligned(256, 6)
	if err != nil {
		t.Fatal(err)
	}
	defer DmaFree(offset)
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

// Free blocks must merge: allocate the whole arena in pieces, free in
// arbitrary order, then the full size must be allocatable again.
func TestDmaMerge(t *testing.T) {
	DmaInitAnonymous(1 << 16)
	defer DmaInitAnonymous(1 << 20) // restore for other tests

	var offsets []uint
	for i := 0; i < 8; i++ {
		_, o, err := DmaAllocAligned(1<<13, 4)
		if err != nil {
			t.Fatal(err)
		}
		offsets = append(offsets, o)
	}
	if _, _, err := DmaAllocAligned(16, 4); err == nil {
		t.Fatal("allocation from exhausted heap succeeded")
	}
	for _, i := range []int{3, 1, 7, 5, 0, 2, 6, 4} {
		DmaFree(offsets[i])
	}
	_, o, err := DmaAllocAligned(1<<16, 4)
	if err != nil {
		t.Fatalf("heap did not merge: %v", err)
	}
	DmaFree(o)
}

func TestDmaAddressTranslation(t *testing.T) {
	dma_test_init()
	b, offset, err := DmaAllocAligned(64, 6)
	if err != nil {
		t.Fatal(err)
	}
	defer DmaFree(offset)
	a := uintptr(unsafe.Pointer(&b[0]))
	phys := DmaPhysAddress(a)
	if got := uintptr(DmaVirtAddress(phys)); got != a {
		t.Errorf("round trip: got 0x%x, want 0x%x", got, a)
	}
}
