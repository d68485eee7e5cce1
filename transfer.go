// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/platinasystems/log"
)

// TransferCompletion is one transfer event, delivered in hardware
// order on the owning ring's channel.
type TransferCompletion struct {
	Code     CompletionCode
	Residual uint32

	// Physical address of the completed transfer TRB.
	TRB uintptr
}

// Err maps the completion onto the error model: nil for success and
// for short packets, which are endpoint policy, not ring failures.
func (c *TransferCompletion) Err() error {
	switch c.Code {
	case CodeSuccess, CodeShortPacket:
		return nil
	}
	return &TransferError{Code: c.Code, Residual: c.Residual}
}

// TransferRing is a per-endpoint producer ring.  The driver enqueues
// and rings the slot doorbell; hardware consumes and reports per-TRB
// completions through the event ring.
type TransferRing struct {
	d         *Controller
	Slot, DCI uint8

	mu       sync.Mutex
	ring     *ring
	inflight uint

	completions chan TransferCompletion
}

const transfer_completion_depth = 64

func new_transfer_ring(d *Controller, slot, dci uint8, n_trbs uint) (tr *TransferRing, err error) {
	r, err := new_ring(n_trbs)
	if err != nil {
		return
	}
	tr = &TransferRing{
		d: d, Slot: slot, DCI: dci,
		ring:        r,
		completions: make(chan TransferCompletion, transfer_completion_depth),
	}
	return
}

func (tr *TransferRing) release() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.ring != nil {
		tr.ring.free()
		tr.ring = nil
		close(tr.completions)
	}
}

// Completions returns the endpoint's completion channel.  It is closed
// when the endpoint is dropped or the slot is disabled.
func (tr *TransferRing) Completions() <-chan TransferCompletion { return tr.completions }

// SubmitNormal enqueues a Normal TRB for buf (a bus address) and rings
// the endpoint's doorbell.  The returned physical address matches the
// TRB field of the eventual completion.
func (tr *TransferRing) SubmitNormal(buf uint64, n uint32) (phys uintptr, err error) {
	var t trb
	t.param = buf
	t.status = n & 0x1ffff
	t.set_type(trb_type_normal)
	t.control |= trb_ioc
	return tr.submit(&t)
}

func (tr *TransferRing) submit(t *trb) (phys uintptr, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.ring == nil {
		err = ErrInvalidState
		return
	}
	if err = tr.d.check_alive(); err != nil {
		return
	}
	if tr.inflight == tr.ring.cap() {
		err = ErrRingFull
		return
	}
	phys = tr.ring.enqueue_trb(t)
	tr.inflight++
	tr.d.counters.transfers.Inc(1)
	tr.d.db.bells[tr.Slot].set(tr.d, reg(tr.DCI))
	tr.d.write_flush()
	return
}

// deliver hands a transfer event to the owner.  Called by the event
// dispatcher; never blocks it.
func (tr *TransferRing) deliver(c TransferCompletion) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.ring == nil {
		return
	}
	if tr.inflight > 0 {
		tr.inflight--
	}
	select {
	case tr.completions <- c:
	default:
		tr.d.counters.dropped_completions.Inc(1)
		log.Printf("xhci%d: slot %d dci %d: completion channel full, event dropped",
			tr.d.id, tr.Slot, tr.DCI)
	}
}

// fail resolves all in-flight transfers with err's code when the
// controller dies.
func (tr *TransferRing) fail(code CompletionCode) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.ring == nil {
		return
	}
	for ; tr.inflight > 0; tr.inflight-- {
		select {
		case tr.completions <- TransferCompletion{Code: code}:
		default:
			return
		}
	}
}

// EnqueuePhys is the bus address hardware will see for the next
// submitted TRB; with CycleState it parameterizes Set TR Dequeue after
// a Stop Endpoint.
func (tr *TransferRing) EnqueuePhys() uintptr {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.enqueue_phys_locked()
}

func (tr *TransferRing) enqueue_phys_locked() uintptr {
	if tr.ring == nil {
		return 0
	}
	return tr.ring.enqueue_phys()
}

func (tr *TransferRing) CycleState() uint32 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.ring == nil {
		return 0
	}
	return tr.ring.cycle
}
