// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
)

const default_command_timeout = 5 * time.Second

type command_completion struct {
	code    CompletionCode
	slot_id uint8
	param   uint32
}

type command_processor struct {
	// Held across submit and wait: one command outstanding per
	// controller, so completion correlation by TRB address is never
	// ambiguous.
	mu sync.Mutex

	ring    *ring
	timeout time.Duration

	// Command TRB physical address to waiter.  Shared with the event
	// dispatcher.
	pending_mu sync.Mutex
	pending    map[uintptr]chan command_completion
}

func (cp *command_processor) init(timeout time.Duration) {
	if timeout == 0 {
		timeout = default_command_timeout
	}
	cp.timeout = timeout
	cp.pending = make(map[uintptr]chan command_completion)
}

// Resolve the waiter for the command TRB at phys, if any.  Called by
// the event dispatcher.
func (cp *command_processor) complete(phys uintptr, c command_completion) (ok bool) {
	cp.pending_mu.Lock()
	done, ok := cp.pending[phys]
	if ok {
		delete(cp.pending, phys)
		done <- c
	}
	cp.pending_mu.Unlock()
	return
}

// submit_command enqueues t on the command ring, rings doorbell 0 and
// blocks until the matching completion event arrives or the timeout
// elapses.
func (d *Controller) submit_command(t *trb) (c command_completion, err error) {
	cp := &d.cmd
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if err = d.check_alive(); err != nil {
		return
	}

	done := make(chan command_completion, 1)
	phys := cp.ring.enqueue_phys()
	cp.pending_mu.Lock()
	cp.pending[phys] = done
	cp.pending_mu.Unlock()

	cp.ring.enqueue_trb(t)
	d.counters.commands.Inc(1)
	d.db.bells[0].set(d, 0)
	d.write_flush()

	tm := time.NewTimer(cp.timeout)
	defer tm.Stop()
	select {
	case c = <-done:
	case <-d.dead:
		cp.pending_mu.Lock()
		delete(cp.pending, phys)
		cp.pending_mu.Unlock()
		err = d.dead_error()
		return
	case <-tm.C:
		// The completion may have raced the timer.
		cp.pending_mu.Lock()
		var raced bool
		select {
		case c = <-done:
			raced = true
		default:
			delete(cp.pending, phys)
		}
		cp.pending_mu.Unlock()
		if !raced {
			d.counters.command_timeouts.Inc(1)
			d.abort_command_ring()
			err = ErrCommandTimeout
			return
		}
	}
	if c.code != CodeSuccess {
		err = &CommandError{Code: c.code}
	}
	return
}

// abort_command_ring returns the command ring to a consistent state
// after a timeout: set the abort bit, wait for the ring to stop, and
// leave the controller ready to resume on the next doorbell.  Without
// this the engine would desynchronize from hardware.
func (d *Controller) abort_command_ring() {
	log.Printf("xhci%d: command timeout, aborting command ring", d.id)
	d.op.command_ring_control[0].or(d, crcr_command_abort)
	d.write_flush()

	b := &backoff.Backoff{
		Min:    time.Millisecond,
		Max:    100 * time.Millisecond,
		Factor: 2,
	}
	start := time.Now()
	for d.op.command_ring_control[0].get(d)&crcr_ring_running != 0 {
		if time.Since(start) > d.cmd.timeout {
			log.Printf("xhci%d: command ring failed to stop", d.id)
			d.enter_failed_state(ErrControllerFailed)
			return
		}
		time.Sleep(b.Duration())
	}
}

func (d *Controller) install_command_ring() {
	d.op.command_ring_control.set(d, uint64(d.cmd.ring.phys())|crcr_ring_cycle_state)
}

// NoOp submits a No Op command; useful as a liveness probe.
func (d *Controller) NoOp() error {
	var t trb
	t.set_type(trb_type_no_op_command)
	_, err := d.submit_command(&t)
	return err
}

// EnableSlot asks the controller for a fresh device slot and allocates
// its Device Context.
func (d *Controller) EnableSlot() (slot uint8, err error) {
	var t trb
	t.set_type(trb_type_enable_slot)
	c, err := d.submit_command(&t)
	if err != nil {
		return
	}
	slot = c.slot_id
	err = d.ctx.enable(d, slot)
	return
}

// DisableSlot tears the slot down and releases its Device Context.
func (d *Controller) DisableSlot(slot uint8) (err error) {
	if err = d.ctx.check_assigned(slot); err != nil {
		return
	}
	var t trb
	t.set_type(trb_type_disable_slot)
	t.control |= uint32(slot) << 24
	if _, err = d.submit_command(&t); err != nil {
		return
	}
	return d.ctx.disable(d, slot)
}

// AddressDevice assigns the device's default control endpoint and
// moves the slot from Enabled to Addressed.
func (d *Controller) AddressDevice(slot uint8, port uint, speed uint, max_packet uint16) (err error) {
	if err = d.ctx.check_state(slot, slot_enabled); err != nil {
		return
	}
	in, err := d.ctx.new_input_context(d, slot, port, speed, max_packet)
	if err != nil {
		return
	}
	defer in.free()

	var t trb
	t.set_type(trb_type_address_device)
	t.param = uint64(in.phys())
	t.control |= uint32(slot) << 24
	if _, err = d.submit_command(&t); err != nil {
		d.ctx.drop_pending_endpoints(slot)
		return
	}
	return d.ctx.addressed(slot)
}

// ConfigureEndpoints populates additional Endpoint Contexts and moves
// the slot from Addressed to Configured.
func (d *Controller) ConfigureEndpoints(slot uint8, eps []EndpointConfig) (err error) {
	if err = d.ctx.check_state(slot, slot_addressed, slot_configured); err != nil {
		return
	}
	in, err := d.ctx.new_endpoint_input_context(d, slot, eps)
	if err != nil {
		return
	}
	defer in.free()

	var t trb
	t.set_type(trb_type_configure_endpoint)
	t.param = uint64(in.phys())
	t.control |= uint32(slot) << 24
	if _, err = d.submit_command(&t); err != nil {
		d.ctx.drop_pending_endpoints(slot)
		return
	}
	return d.ctx.configured(slot)
}

// DeconfigureEndpoints drops all endpoints but the default one and
// returns the slot to Addressed.
func (d *Controller) DeconfigureEndpoints(slot uint8) (err error) {
	if err = d.ctx.check_state(slot, slot_configured); err != nil {
		return
	}
	var t trb
	t.set_type(trb_type_configure_endpoint)
	// [9] deconfigure
	t.control |= 1<<9 | uint32(slot)<<24
	if _, err = d.submit_command(&t); err != nil {
		return
	}
	return d.ctx.deconfigured(d, slot)
}

// EvaluateContext updates the default endpoint's max packet size after
// the device's first descriptor read.
func (d *Controller) EvaluateContext(slot uint8, max_packet uint16) (err error) {
	if err = d.ctx.check_state(slot, slot_addressed, slot_configured); err != nil {
		return
	}
	in, err := d.ctx.new_evaluate_input_context(d, slot, max_packet)
	if err != nil {
		return
	}
	defer in.free()

	var t trb
	t.set_type(trb_type_evaluate_context)
	t.param = uint64(in.phys())
	t.control |= uint32(slot) << 24
	_, err = d.submit_command(&t)
	return
}

// ResetEndpoint recovers an endpoint from the Halted state.
func (d *Controller) ResetEndpoint(slot, dci uint8) (err error) {
	if err = d.ctx.check_endpoint(slot, dci); err != nil {
		return
	}
	var t trb
	t.set_type(trb_type_reset_endpoint)
	t.control |= uint32(dci)<<16 | uint32(slot)<<24
	_, err = d.submit_command(&t)
	return
}

// StopEndpoint stops the endpoint's transfer ring.  In-flight
// transfers canceled by the owner must be matched against this command
// before the ring may be reused.
func (d *Controller) StopEndpoint(slot, dci uint8) (err error) {
	if err = d.ctx.check_endpoint(slot, dci); err != nil {
		return
	}
	var t trb
	t.set_type(trb_type_stop_endpoint)
	t.control |= uint32(dci)<<16 | uint32(slot)<<24
	_, err = d.submit_command(&t)
	return
}

// ResetDevice resets the device's state while keeping the slot
// enabled; the slot returns to Enabled pending a new Address Device.
func (d *Controller) ResetDevice(slot uint8) (err error) {
	if err = d.ctx.check_assigned(slot); err != nil {
		return
	}
	var t trb
	t.set_type(trb_type_reset_device)
	t.control |= uint32(slot) << 24
	if _, err = d.submit_command(&t); err != nil {
		return
	}
	return d.ctx.device_reset(d, slot)
}

// SetTRDequeue repositions an endpoint's transfer ring dequeue pointer
// after a Stop Endpoint.
func (d *Controller) SetTRDequeue(slot, dci uint8, dequeue uintptr, cycle_state uint32) (err error) {
	if err = d.ctx.check_endpoint(slot, dci); err != nil {
		return
	}
	var t trb
	t.set_type(trb_type_set_tr_dequeue)
	t.param = uint64(dequeue) | uint64(cycle_state&1)
	t.control |= uint32(dci)<<16 | uint32(slot)<<24
	_, err = d.submit_command(&t)
	return
}
