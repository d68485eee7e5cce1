// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/platinasystems/log"
)

// Event dispatcher: drains interrupter 0's event ring and routes each
// event to the command processor, a transfer ring or the port manager.
type event_dispatcher struct {
	mu   sync.Mutex
	ring *event_ring
}

func (d *Controller) install_event_ring() {
	e := d.ev.ring
	ir := &d.run.interrupters[0]
	ir.erst_size.set(d, reg(len(e.erst)))
	ir.erst_base.set(d, uint64(e.erst_phys()))
	ir.erst_dequeue.set(d, uint64(e.dequeue_phys()))
	ir.management.set(d, iman_enable)
}

// Interrupt services interrupter 0.  Events are drained before the
// dequeue pointer is published; the pending flag is re-checked after
// each publish so an event racing the update is never stranded until
// the next interrupt.
func (d *Controller) Interrupt() {
	// A detached or failed controller may still see a late interrupt;
	// its registers and rings are gone.
	if d.is_failed() {
		return
	}
	d.counters.interrupts.Inc(1)

	if d.op.usb_status.get(d)&sts_controller_error != 0 {
		d.enter_failed_state(ErrControllerFailed)
		return
	}

	ev := &d.ev
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.ring == nil {
		return
	}

	ir := &d.run.interrupters[0]
	for {
		// Both are write 1 to clear.
		d.op.usb_status.set(d, sts_event_interrupt)
		ir.management.set(d, iman_enable|iman_pending)

		for {
			t, ok := ev.ring.dequeue_if_ready()
			if !ok {
				break
			}
			d.dispatch_event(&t)
		}
		ir.erst_dequeue.set(d, uint64(ev.ring.dequeue_phys())|erdp_handler_busy)
		d.write_flush()

		// An event posted between the drain and the dequeue update
		// would be stranded until the next interrupt.
		if !ev.ring.ready() {
			return
		}
	}
}

func (d *Controller) dispatch_event(t *trb) {
	switch t.trb_type() {
	case trb_type_command_completion:
		d.counters.command_events.Inc(1)
		c := command_completion{
			code:    t.event_completion(),
			slot_id: t.event_slot_id(),
			param:   t.event_completion_param(),
		}
		if !d.cmd.complete(t.event_command_pointer(), c) {
			d.counters.orphan_events.Inc(1)
			log.Printf("xhci%d: completion for unknown command 0x%x: %s",
				d.id, t.event_command_pointer(), t)
		}

	case trb_type_transfer_event:
		d.counters.transfer_events.Inc(1)
		tr := d.ctx.transfer_ring(t.event_slot_id(), t.event_endpoint_dci())
		if tr == nil {
			d.counters.orphan_events.Inc(1)
			log.Printf("xhci%d: transfer event for unknown endpoint: %s", d.id, t)
			return
		}
		tr.deliver(TransferCompletion{
			Code:     t.event_completion(),
			Residual: t.event_transfer_residual(),
			TRB:      uintptr(t.param &^ 0xf),
		})

	case trb_type_port_status_change:
		d.counters.port_events.Inc(1)
		d.port_status_change(t.event_port_id())

	case trb_type_host_controller_event:
		log.Printf("xhci%d: host controller event: %s", d.id, t)
		d.enter_failed_state(ErrControllerFailed)

	default:
		d.counters.orphan_events.Inc(1)
		log.Printf("xhci%d: unhandled event: %s", d.id, t)
	}
}
