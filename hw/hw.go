// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Memory mapped register read/write.
package hw

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Must point to readable memory since compiler may perform
// read probes (nil checks) as part of memory addressing.
var (
	BasePointer = basePointer()
	BaseAddress = uintptr(BasePointer)
)

func basePointer() unsafe.Pointer {
	// ok for all 32 bit devices.
	x, err := unix.Mmap(-1, 0, 1<<32, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		panic(err)
	}
	return unsafe.Pointer(&x[0])
}

// Memory-mapped read/write.  Hardware may change register contents at
// any time, so all accesses go through sync/atomic to keep the compiler
// from caching or reordering them.
func LoadUint32(addr *uint32) uint32     { return atomic.LoadUint32(addr) }
func StoreUint32(addr *uint32, v uint32) { atomic.StoreUint32(addr, v) }
func LoadUint64(addr *uint64) uint64     { return atomic.LoadUint64(addr) }
func StoreUint64(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }

var barrier uint32

// MemoryBarrier orders descriptor/ring writes before the register write
// that makes them visible to the device.
func MemoryBarrier() { atomic.AddUint32(&barrier, 0) }

// Generic 8/16/32 bit registers.
type U8 uint8
type U16 uint16
type U32 uint32

// Byte offsets from BasePointer.
func (r *U8) Offset() uintptr  { return uintptr(unsafe.Pointer(r)) - BaseAddress }
func (r *U16) Offset() uintptr { return uintptr(unsafe.Pointer(r)) - BaseAddress }
func (r *U32) Offset() uintptr { return uintptr(unsafe.Pointer(r)) - BaseAddress }
