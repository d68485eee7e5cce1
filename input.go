// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"unsafe"

	"github.com/platinasystems/xhci/hw"
)

// Endpoint type field of the Endpoint Context.
type EndpointType uint8

const (
	EndpointIsochOut     EndpointType = 1
	EndpointBulkOut      EndpointType = 2
	EndpointInterruptOut EndpointType = 3
	EndpointControl      EndpointType = 4
	EndpointIsochIn      EndpointType = 5
	EndpointBulkIn       EndpointType = 6
	EndpointInterruptIn  EndpointType = 7
)

// EndpointConfig describes one endpoint for ConfigureEndpoints.
type EndpointConfig struct {
	// Device context index, 2..31.
	DCI uint8

	Type      EndpointType
	MaxPacket uint16

	// Interval exponent for periodic endpoints, 0 otherwise.
	Interval uint8

	// Transfer ring size in TRBs; default_transfer_ring_trbs if zero.
	RingTRBs uint
}

const default_transfer_ring_trbs = 256

// Input Context: Input Control Context followed by the 32 device
// context entries, handed to hardware by physical address in Address
// Device, Configure Endpoint and Evaluate Context commands.  Freed by
// the command issuer once the command completes.
type input_context struct {
	b         []byte
	offset    uint
	ctx_bytes uint
}

func (cm *context_manager) new_raw_input_context() (in *input_context, err error) {
	in = &input_context{ctx_bytes: cm.ctx_bytes}
	in.b, in.offset, err = hw.DmaAllocAligned((1+n_device_context_entries)*cm.ctx_bytes, log2_ring_alignment)
	if err != nil {
		in = nil
	}
	return
}

func (in *input_context) free() { hw.DmaFree(in.offset) }

func (in *input_context) phys() uintptr {
	return hw.DmaPhysAddress(uintptr(unsafe.Pointer(&in.b[0])))
}

// Dword dw of input context entry i.  Entry 0 is the Input Control
// Context, entry 1 the Slot Context, entry 1+dci the Endpoint Context.
func (in *input_context) set_dword(i, dw uint, v uint32) {
	*(*uint32)(unsafe.Pointer(&in.b[i*in.ctx_bytes+dw*4])) = v
}

// Input Control Context add flags: bit 0 slot context, bit dci
// endpoint context dci.
func (in *input_context) add_flags(v uint32) { in.set_dword(0, 1, v) }

// Slot Context dw0 [19:0] route string, [23:20] speed,
// [31:27] context entries; dw1 [23:16] root hub port number.
func (in *input_context) set_slot(route uint32, speed, port uint, max_dci uint8) {
	in.set_dword(1, 0, route&0xfffff|uint32(speed)<<20|uint32(max_dci)<<27)
	in.set_dword(1, 1, uint32(port)<<16)
}

// Endpoint Context dw0 [23:16] interval; dw1 [2:1] error count,
// [5:3] endpoint type, [31:16] max packet size; dw2/dw3 TR dequeue
// pointer with [0] dequeue cycle state; dw4 [15:0] average TRB length.
func (in *input_context) set_endpoint(dci uint8, tp EndpointType, max_packet uint16,
	interval uint8, dequeue uintptr, avg_trb uint16) {
	e := uint(1 + dci)
	in.set_dword(e, 0, uint32(interval)<<16)
	in.set_dword(e, 1, 3<<1|uint32(tp)<<3|uint32(max_packet)<<16)
	in.set_dword(e, 2, uint32(dequeue)|trb_cycle)
	in.set_dword(e, 3, uint32(uint64(dequeue)>>32))
	in.set_dword(e, 4, uint32(avg_trb))
}

// new_input_context builds the Address Device input: slot context plus
// the default control endpoint (DCI 1) and its fresh transfer ring.
// The ring stays pending until the command succeeds.
func (cm *context_manager) new_input_context(d *Controller, slot uint8,
	port, speed uint, max_packet uint16) (in *input_context, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	tr, err := new_transfer_ring(d, slot, 1, default_transfer_ring_trbs)
	if err != nil {
		return
	}
	in, err = cm.new_raw_input_context()
	if err != nil {
		tr.release()
		return
	}

	in.add_flags(1<<0 | 1<<1)
	in.set_slot(0, speed, port, 1)
	in.set_endpoint(1, EndpointControl, max_packet, 0, tr.ring.phys(), 8)

	s := &cm.slots[slot]
	s.port, s.speed = port, speed
	s.max_dci = 1
	s.pending_eps[1] = tr
	return
}

// new_endpoint_input_context builds the Configure Endpoint input: the
// slot context with an updated context entries field plus one endpoint
// context and transfer ring per requested endpoint.
func (cm *context_manager) new_endpoint_input_context(d *Controller, slot uint8,
	eps []EndpointConfig) (in *input_context, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s := &cm.slots[slot]
	max_dci := s.max_dci
	for i := range eps {
		e := &eps[i]
		if e.DCI < 2 || e.DCI >= n_device_context_entries {
			err = ErrInvalidState
			return
		}
		if e.DCI > max_dci {
			max_dci = e.DCI
		}
	}

	in, err = cm.new_raw_input_context()
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			in.free()
			in = nil
			cm.drop_pending_locked(slot)
		}
	}()

	add := uint32(1 << 0)
	for i := range eps {
		e := &eps[i]
		n := e.RingTRBs
		if n == 0 {
			n = default_transfer_ring_trbs
		}
		var tr *TransferRing
		tr, err = new_transfer_ring(d, slot, e.DCI, n)
		if err != nil {
			return
		}
		s.pending_eps[e.DCI] = tr
		add |= 1 << e.DCI
		in.set_endpoint(e.DCI, e.Type, e.MaxPacket, e.Interval, tr.ring.phys(), 0)
	}
	in.add_flags(add)
	in.set_slot(0, s.speed, s.port, max_dci)
	s.max_dci = max_dci
	return
}

// new_evaluate_input_context updates only the default endpoint's max
// packet size.
func (cm *context_manager) new_evaluate_input_context(d *Controller, slot uint8,
	max_packet uint16) (in *input_context, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s := &cm.slots[slot]
	tr := s.eps[1]
	if tr == nil {
		err = ErrInvalidState
		return
	}
	in, err = cm.new_raw_input_context()
	if err != nil {
		return
	}
	in.add_flags(1 << 1)
	in.set_endpoint(1, EndpointControl, max_packet, 0, tr.EnqueuePhys(), 8)
	return
}

// Caller holds cm.mu.
func (cm *context_manager) drop_pending_locked(slot uint8) {
	s := &cm.slots[slot]
	for i, tr := range s.pending_eps {
		if tr != nil {
			tr.release()
			s.pending_eps[i] = nil
		}
	}
}
