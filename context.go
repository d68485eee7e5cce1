// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"sync"
	"unsafe"

	"github.com/platinasystems/xhci/hw"
)

// Per-slot state machine.  Transitions are driven exclusively by
// command completions.
type slot_state uint8

const (
	slot_unassigned slot_state = iota
	slot_enabled
	slot_addressed
	slot_configured
)

var slotStateStrings = [...]string{
	slot_unassigned: "unassigned",
	slot_enabled:    "enabled",
	slot_addressed:  "addressed",
	slot_configured: "configured",
}

func (s slot_state) String() string { return slotStateStrings[s] }

// Device context entry count: 1 slot context + 31 endpoint contexts.
const n_device_context_entries = 32

type device_slot struct {
	state slot_state

	// Device context in DMA memory, read and written by hardware.
	ctx        []byte
	ctx_offset uint

	// Transfer rings by device context index (1..31).
	eps [n_device_context_entries]*TransferRing

	// Rings created while a command is in flight; committed on
	// success, dropped on failure.
	pending_eps [n_device_context_entries]*TransferRing

	// Root hub port, speed and highest DCI from the last accepted
	// Address Device / Configure Endpoint, echoed into later input
	// contexts.
	port    uint
	speed   uint
	max_dci uint8
}

// Device Context Manager: owns the DCBAA and per-slot contexts shared
// with hardware via DMA.
type context_manager struct {
	mu sync.Mutex

	// Entry size: 32 bytes, or 64 when the controller reports CSZ.
	ctx_bytes uint

	n_slots uint

	dcbaa        []uint64
	dcbaa_offset uint

	// DCBAA[0] points at the scratchpad buffer array when the
	// controller asks for scratchpad pages.
	scratchpad_offsets []uint

	slots []device_slot // indexed by slot id, entry 0 unused
}

func (cm *context_manager) init(d *Controller) (err error) {
	cm.ctx_bytes = 32
	if d.csz() {
		cm.ctx_bytes = 64
	}
	cm.n_slots = d.max_slots()
	cm.slots = make([]device_slot, cm.n_slots+1)

	b, offset, err := hw.DmaAllocAligned((cm.n_slots+1)*8, log2_ring_alignment)
	if err != nil {
		return
	}
	cm.dcbaa = unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), cm.n_slots+1)
	cm.dcbaa_offset = offset

	if n := d.scratchpad_count(); n != 0 {
		err = cm.alloc_scratchpads(d, n)
		if err != nil {
			cm.release(d)
			return
		}
	}

	d.op.dcbaap.set(d, uint64(hw.DmaPhysAddress(uintptr(unsafe.Pointer(&cm.dcbaa[0])))))
	return
}

func (cm *context_manager) alloc_scratchpads(d *Controller, n uint) (err error) {
	ab, aoffset, err := hw.DmaAllocAligned(n*8, log2_ring_alignment)
	if err != nil {
		return
	}
	cm.scratchpad_offsets = append(cm.scratchpad_offsets, aoffset)
	array := unsafe.Slice((*uint64)(unsafe.Pointer(&ab[0])), n)
	log2_page := uint(12)
	for p := d.page_bytes; p > 4096; p >>= 1 {
		log2_page++
	}
	for i := uint(0); i < n; i++ {
		var pb []byte
		var poffset uint
		pb, poffset, err = hw.DmaAllocAligned(d.page_bytes, log2_page)
		if err != nil {
			return
		}
		cm.scratchpad_offsets = append(cm.scratchpad_offsets, poffset)
		array[i] = uint64(hw.DmaPhysAddress(uintptr(unsafe.Pointer(&pb[0]))))
	}
	cm.dcbaa[0] = uint64(hw.DmaPhysAddress(uintptr(unsafe.Pointer(&ab[0]))))
	return
}

func (cm *context_manager) release(d *Controller) {
	for i := range cm.slots {
		s := &cm.slots[i]
		if s.state != slot_unassigned {
			cm.free_slot(uint8(i))
		}
	}
	for _, o := range cm.scratchpad_offsets {
		hw.DmaFree(o)
	}
	cm.scratchpad_offsets = nil
	if cm.dcbaa != nil {
		hw.DmaFree(cm.dcbaa_offset)
		cm.dcbaa = nil
	}
}

func (cm *context_manager) valid_slot(slot uint8) bool {
	return slot >= 1 && uint(slot) <= cm.n_slots
}

func (cm *context_manager) check_assigned(slot uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || cm.slots[slot].state == slot_unassigned {
		return ErrInvalidState
	}
	return nil
}

func (cm *context_manager) check_state(slot uint8, allowed ...slot_state) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) {
		return ErrInvalidState
	}
	for _, s := range allowed {
		if cm.slots[slot].state == s {
			return nil
		}
	}
	return ErrInvalidState
}

func (cm *context_manager) check_endpoint(slot, dci uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || dci == 0 || dci >= n_device_context_entries ||
		cm.slots[slot].eps[dci] == nil {
		return ErrInvalidState
	}
	return nil
}

// enable allocates and installs a zeroed Device Context for a slot the
// hardware just assigned.  A second enable of the same slot is a
// programming error and leaves the existing context untouched.
func (cm *context_manager) enable(d *Controller, slot uint8) (err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) {
		return ErrInvalidState
	}
	s := &cm.slots[slot]
	if s.state != slot_unassigned {
		return ErrInvalidState
	}
	s.ctx, s.ctx_offset, err = hw.DmaAllocAligned(n_device_context_entries*cm.ctx_bytes, log2_ring_alignment)
	if err != nil {
		return
	}
	cm.dcbaa[slot] = uint64(hw.DmaPhysAddress(uintptr(unsafe.Pointer(&s.ctx[0]))))
	s.state = slot_enabled
	return
}

// disable zeroes the DCBAA entry and releases everything the slot
// owned; the slot returns to Unassigned.
func (cm *context_manager) disable(d *Controller, slot uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || cm.slots[slot].state == slot_unassigned {
		return ErrInvalidState
	}
	cm.free_slot(slot)
	return nil
}

// Caller holds cm.mu.
func (cm *context_manager) free_slot(slot uint8) {
	s := &cm.slots[slot]
	cm.dcbaa[slot] = 0
	for i, tr := range s.eps {
		if tr != nil {
			tr.release()
			s.eps[i] = nil
		}
	}
	for i, tr := range s.pending_eps {
		if tr != nil {
			tr.release()
			s.pending_eps[i] = nil
		}
	}
	if s.ctx != nil {
		hw.DmaFree(s.ctx_offset)
		s.ctx = nil
	}
	s.port, s.speed, s.max_dci = 0, 0, 0
	s.state = slot_unassigned
}

func (cm *context_manager) addressed(slot uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || cm.slots[slot].state != slot_enabled {
		return ErrInvalidState
	}
	cm.commit_pending(slot)
	cm.slots[slot].state = slot_addressed
	return nil
}

func (cm *context_manager) configured(slot uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) {
		return ErrInvalidState
	}
	cm.commit_pending(slot)
	cm.slots[slot].state = slot_configured
	return nil
}

func (cm *context_manager) deconfigured(d *Controller, slot uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || cm.slots[slot].state != slot_configured {
		return ErrInvalidState
	}
	s := &cm.slots[slot]
	for dci := 2; dci < n_device_context_entries; dci++ {
		if tr := s.eps[dci]; tr != nil {
			tr.release()
			s.eps[dci] = nil
		}
	}
	s.state = slot_addressed
	return nil
}

// device_reset returns the slot to Enabled: hardware has dropped all
// endpoint state, so the default endpoint must be re-addressed.
func (cm *context_manager) device_reset(d *Controller, slot uint8) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || cm.slots[slot].state == slot_unassigned {
		return ErrInvalidState
	}
	s := &cm.slots[slot]
	for i, tr := range s.eps {
		if tr != nil {
			tr.release()
			s.eps[i] = nil
		}
	}
	s.max_dci = 0
	s.state = slot_enabled
	return nil
}

// Caller holds cm.mu.
func (cm *context_manager) commit_pending(slot uint8) {
	s := &cm.slots[slot]
	for i, tr := range s.pending_eps {
		if tr != nil {
			if old := s.eps[i]; old != nil {
				old.release()
			}
			s.eps[i] = tr
			s.pending_eps[i] = nil
		}
	}
}

func (cm *context_manager) drop_pending_endpoints(slot uint8) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.drop_pending_locked(slot)
}

func (cm *context_manager) transfer_ring(slot, dci uint8) *TransferRing {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.valid_slot(slot) || dci == 0 || dci >= n_device_context_entries {
		return nil
	}
	return cm.slots[slot].eps[dci]
}

// Endpoint returns the transfer ring of a configured endpoint, nil if
// the slot or endpoint is not set up.
func (d *Controller) Endpoint(slot, dci uint8) *TransferRing {
	return d.ctx.transfer_ring(slot, dci)
}

// Slots returns the number of device slots and a snapshot of DCBAA
// occupancy; mostly for diagnostics.
func (d *Controller) Slots() (n uint, assigned []uint8) {
	cm := &d.ctx
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n = cm.n_slots
	for i := uint(1); i <= cm.n_slots; i++ {
		if cm.slots[i].state != slot_unassigned {
			assigned = append(assigned, uint8(i))
		}
	}
	return
}
