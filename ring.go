// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"unsafe"

	"github.com/platinasystems/xhci/hw"
)

// Rings are 64 byte aligned and physically contiguous; hardware reads
// them by DMA with no address translation.
const log2_ring_alignment = 6

func alloc_trbs(n uint) (trbs []trb, offset uint, err error) {
	b, offset, err := hw.DmaAllocAligned(n*trb_bytes, log2_ring_alignment)
	if err != nil {
		return
	}
	trbs = unsafe.Slice((*trb)(unsafe.Pointer(&b[0])), n)
	return
}

// Producer/consumer ring with cycle bit semantics.  The last slot
// always holds a Link TRB pointing back at slot 0, so payload capacity
// is one less than the allocation.  A TRB belongs to the consumer only
// while its cycle bit equals the consumer's expected cycle state.
type ring struct {
	trbs        []trb
	heap_offset uint

	// Producer enqueue index and cycle state.
	enqueue uint
	cycle   uint32

	// Consumer dequeue index and expected cycle state.  Unused when
	// hardware is the consumer (command and transfer rings).
	dequeue uint
	ccs     uint32
}

func new_ring(n_trbs uint) (r *ring, err error) {
	// A ring holding only its Link TRB has zero payload capacity.
	if n_trbs < 2 {
		err = ErrRingTooSmall
		return
	}
	r = &ring{cycle: trb_cycle, ccs: trb_cycle}
	r.trbs, r.heap_offset, err = alloc_trbs(n_trbs)
	if err != nil {
		return nil, err
	}
	link := &r.trbs[n_trbs-1]
	link.param = uint64(r.phys())
	link.status = 0
	// Cycle bit stays clear until the producer first crosses the link.
	link.control = trb_type_link<<10 | trb_toggle_cycle
	return
}

func (r *ring) free() {
	hw.DmaFree(r.heap_offset)
	r.trbs = nil
}

// Payload capacity (Link TRB slot excluded).
func (r *ring) cap() uint { return uint(len(r.trbs)) - 1 }

func (r *ring) phys() uintptr {
	return hw.DmaPhysAddress(uintptr(unsafe.Pointer(&r.trbs[0])))
}

func (r *ring) slot_phys(i uint) uintptr { return r.phys() + uintptr(i)*trb_bytes }

// Physical address hardware will see for the next enqueued TRB.
func (r *ring) enqueue_phys() uintptr { return r.slot_phys(r.enqueue) }

// enqueue_trb writes t at the enqueue index with the producer's cycle
// state and advances.  Crossing the Link TRB hands the link to the
// consumer, toggles the producer cycle state and wraps.  O(1).
func (r *ring) enqueue_trb(t *trb) (phys uintptr) {
	i := r.enqueue
	slot := &r.trbs[i]
	phys = r.slot_phys(i)

	slot.param = t.param
	slot.status = t.status
	// Cycle bit is written last so the consumer never sees a
	// half-written TRB.
	hw.MemoryBarrier()
	hw.StoreUint32(&slot.control, t.control&^trb_cycle|r.cycle)

	i++
	if i == uint(len(r.trbs))-1 {
		link := &r.trbs[i]
		hw.MemoryBarrier()
		hw.StoreUint32(&link.control, link.control&^trb_cycle|r.cycle)
		r.cycle ^= trb_cycle
		i = 0
	}
	r.enqueue = i
	return
}

// dequeue_if_ready returns the TRB at the dequeue index only if its
// cycle bit matches the expected cycle state, advancing past Link TRBs
// and toggling the expected state when a link with the toggle flag is
// crossed.  O(1).
func (r *ring) dequeue_if_ready() (t trb, ok bool) {
	for {
		slot := &r.trbs[r.dequeue]
		if hw.LoadUint32(&slot.control)&trb_cycle != r.ccs {
			return
		}
		if slot.trb_type() == trb_type_link {
			if slot.control&trb_toggle_cycle != 0 {
				r.ccs ^= trb_cycle
			}
			r.dequeue = 0
			continue
		}
		t = *slot
		ok = true
		r.dequeue++
		return
	}
}

// Event ring: consumed only by software; one or more contiguous
// segments described by an Event Ring Segment Table.  No Link TRBs;
// the consumer cycle state toggles after the last segment.
type event_ring struct {
	segs         [][]trb
	heap_offsets []uint

	erst        []erst_entry
	erst_offset uint

	seg     uint
	dequeue uint
	ccs     uint32
}

type erst_entry struct {
	base uint64

	// [15:0] segment size in TRBs
	size uint32
	_    uint32
}

func new_event_ring(seg_sizes []uint) (e *event_ring, err error) {
	if len(seg_sizes) == 0 {
		err = ErrRingTooSmall
		return
	}
	e = &event_ring{ccs: trb_cycle}
	defer func() {
		if err != nil {
			e.free()
		}
	}()
	for _, n := range seg_sizes {
		if n == 0 {
			err = ErrRingTooSmall
			return
		}
		var (
			trbs   []trb
			offset uint
		)
		trbs, offset, err = alloc_trbs(n)
		if err != nil {
			return
		}
		e.segs = append(e.segs, trbs)
		e.heap_offsets = append(e.heap_offsets, offset)
	}

	b, offset, err := hw.DmaAllocAligned(uint(len(seg_sizes))*uint(unsafe.Sizeof(erst_entry{})), log2_ring_alignment)
	if err != nil {
		return
	}
	e.erst = unsafe.Slice((*erst_entry)(unsafe.Pointer(&b[0])), len(seg_sizes))
	e.erst_offset = offset
	for i, trbs := range e.segs {
		e.erst[i].base = uint64(hw.DmaPhysAddress(uintptr(unsafe.Pointer(&trbs[0]))))
		e.erst[i].size = uint32(len(trbs))
	}
	return
}

func (e *event_ring) free() {
	for _, o := range e.heap_offsets {
		hw.DmaFree(o)
	}
	e.segs, e.heap_offsets = nil, nil
	if e.erst != nil {
		hw.DmaFree(e.erst_offset)
		e.erst = nil
	}
}

func (e *event_ring) erst_phys() uintptr {
	return hw.DmaPhysAddress(uintptr(unsafe.Pointer(&e.erst[0])))
}

func (e *event_ring) dequeue_phys() uintptr {
	return hw.DmaPhysAddress(uintptr(unsafe.Pointer(&e.segs[e.seg][e.dequeue])))
}

// ready reports whether the next event is already owned by software.
func (e *event_ring) ready() bool {
	return hw.LoadUint32(&e.segs[e.seg][e.dequeue].control)&trb_cycle == e.ccs
}

func (e *event_ring) dequeue_if_ready() (t trb, ok bool) {
	slot := &e.segs[e.seg][e.dequeue]
	if hw.LoadUint32(&slot.control)&trb_cycle != e.ccs {
		return
	}
	t = *slot
	ok = true
	e.dequeue++
	if e.dequeue == uint(len(e.segs[e.seg])) {
		e.dequeue = 0
		e.seg++
		if e.seg == uint(len(e.segs)) {
			e.seg = 0
			e.ccs ^= trb_cycle
		}
	}
	return
}
