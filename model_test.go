// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

// Software model of an xHCI controller for driver tests: a byte slice
// stands in for BAR 0 and a goroutine plays the hardware side of the
// protocol, consuming the command ring and producing events.

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/platinasystems/xhci/hw"
	"github.com/platinasystems/xhci/hw/pci"
)

const (
	model_bar_bytes = 1 << 16

	model_op_base   = 0x80
	model_rts_base  = 0x1000
	model_db_base   = 0x2000
	model_xcap_base = 0x500

	model_usb_command = model_op_base + 0x00
	model_usb_status  = model_op_base + 0x04
	model_page_size   = model_op_base + 0x08
	model_crcr        = model_op_base + 0x18
	model_ports       = model_op_base + 0x400

	model_iman   = model_rts_base + 0x20
	model_erstsz = model_rts_base + 0x28
	model_erstba = model_rts_base + 0x30
	model_erdp   = model_rts_base + 0x38
)

type model_config struct {
	n_slots     uint32
	n_ports     uint32
	scratchpads uint32
	cnr_stuck   bool
}

type xhc_model struct {
	cfg model_config
	bar []byte
	dev pci.Device
	d   *Controller

	// Commands are left on the ring while set; forces timeouts.
	stalled uint32

	stop, done chan struct{}

	mu          sync.Mutex
	cmd_dequeue uintptr
	cmd_ccs     uint32
	ev_enq      uint
	ev_pcs      uint32
	next_slot   uint32
}

func new_model(cfg model_config) *xhc_model {
	test_dma_init()
	if cfg.n_slots == 0 {
		cfg.n_slots = 16
	}
	if cfg.n_ports == 0 {
		cfg.n_ports = 4
	}
	m := &xhc_model{
		cfg:  cfg,
		bar:  make([]byte, model_bar_bytes),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.dev.Config.DeviceClass = pci.Serial_USB
	m.dev.Config.SoftwareInterface = pci.UsbXHCI

	// Capability block.
	m.w32(0x00, 0x0100<<16|model_op_base) // version 1.0, cap length
	m.w32(0x04, cfg.n_ports<<24|1<<8|cfg.n_slots)
	m.w32(0x08, cfg.scratchpads&0x1f<<27|cfg.scratchpads>>5&0x1f<<21)
	m.w32(0x10, model_xcap_base>>2<<16|1) // xecp, AC64
	m.w32(0x14, model_db_base)
	m.w32(0x18, model_rts_base)

	sts := uint32(sts_halted)
	if cfg.cnr_stuck {
		sts |= sts_not_ready
	}
	m.w32(model_usb_status, sts)
	m.w32(model_page_size, 1) // 4 KB pages

	// Supported Protocol capabilities: the first half of the ports
	// speak USB3, the second half USB2, paired index-wise.
	half := cfg.n_ports / 2
	m.w32(model_xcap_base+0x00, 3<<24|4<<8|xcap_supported_protocol)
	m.w32(model_xcap_base+0x04, protocol_name_usb)
	m.w32(model_xcap_base+0x08, half<<8|1)
	m.w32(model_xcap_base+0x10, 2<<24|0<<8|xcap_supported_protocol)
	m.w32(model_xcap_base+0x14, protocol_name_usb)
	m.w32(model_xcap_base+0x18, (cfg.n_ports-half)<<8|(half+1))

	for p := uint32(1); p <= cfg.n_ports; p++ {
		m.w32(m.port_off(uint(p)), portsc_power)
	}
	return m
}

func (m *xhc_model) port_off(p uint) uint { return model_ports + (p-1)*16 }

func (m *xhc_model) reg32(o uint) *uint32 { return (*uint32)(unsafe.Pointer(&m.bar[o])) }
func (m *xhc_model) r32(o uint) uint32    { return hw.LoadUint32(m.reg32(o)) }
func (m *xhc_model) w32(o uint, v uint32) { hw.StoreUint32(m.reg32(o), v) }
func (m *xhc_model) or32(o uint, v uint32) {
	m.w32(o, m.r32(o)|v)
}
func (m *xhc_model) andnot32(o uint, v uint32) {
	m.w32(o, m.r32(o)&^v)
}
func (m *xhc_model) r64(o uint) uint64 {
	return uint64(m.r32(o)) | uint64(m.r32(o+4))<<32
}

// pci.Devicer
func (m *xhc_model) GetDevice() *pci.Device { return &m.dev }
func (m *xhc_model) Open() error            { return nil }
func (m *xhc_model) Close() error           { return nil }
func (m *xhc_model) MapResource(index uint) (uintptr, error) {
	return uintptr(unsafe.Pointer(&m.bar[0])), nil
}
func (m *xhc_model) UnmapResource(index uint) error { return nil }

func (m *xhc_model) start(d *Controller) {
	m.d = d
	go m.run()
}

func (m *xhc_model) close() {
	close(m.stop)
	<-m.done
}

func (m *xhc_model) set_stalled(v bool) {
	x := uint32(0)
	if v {
		x = 1
	}
	atomic.StoreUint32(&m.stalled, x)
}

func (m *xhc_model) run() {
	defer close(m.done)
	tick := time.NewTicker(100 * time.Microsecond)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			m.step()
		}
	}
}

func (m *xhc_model) step() {
	cmd := m.r32(model_usb_command)
	if cmd&cmd_reset != 0 {
		m.andnot32(model_usb_command, cmd_reset|cmd_run)
		m.or32(model_usb_status, sts_halted)
		m.mu.Lock()
		m.cmd_dequeue, m.cmd_ccs = 0, 0
		m.ev_enq, m.ev_pcs = 0, trb_cycle
		m.next_slot = 0
		m.mu.Unlock()
		return
	}
	if m.cfg.cnr_stuck {
		return
	}
	if cmd&cmd_run != 0 {
		m.andnot32(model_usb_status, sts_halted)
	} else {
		m.or32(model_usb_status, sts_halted)
		return
	}

	m.service_ports()
	m.service_commands()
}

// A set port reset bit completes immediately: reset clears, the port
// comes up enabled and the reset change is latched.
func (m *xhc_model) service_ports() {
	for p := uint(1); p <= uint(m.cfg.n_ports); p++ {
		v := m.r32(m.port_off(p))
		if v&portsc_reset != 0 {
			m.w32(m.port_off(p), v&^portsc_reset|portsc_enabled|portsc_reset_change)
			m.post_port_event(p)
		}
	}
}

func (m *xhc_model) service_commands() {
	if atomic.LoadUint32(&m.stalled) != 0 {
		return
	}
	m.mu.Lock()
	if m.cmd_dequeue == 0 {
		if v := m.r64(model_crcr); v&^0x3f != 0 {
			m.cmd_dequeue = uintptr(v) &^ 0x3f
			m.cmd_ccs = uint32(v) & trb_cycle
		}
	}
	for m.cmd_dequeue != 0 {
		t := (*trb)(hw.DmaVirtAddress(m.cmd_dequeue))
		if hw.LoadUint32(&t.control)&trb_cycle != m.cmd_ccs {
			break
		}
		if t.trb_type() == trb_type_link {
			if t.control&trb_toggle_cycle != 0 {
				m.cmd_ccs ^= trb_cycle
			}
			m.cmd_dequeue = uintptr(t.param) &^ 0xf
			continue
		}
		phys := m.cmd_dequeue
		m.cmd_dequeue += trb_bytes
		m.mu.Unlock()
		m.complete_command(t, phys)
		m.mu.Lock()
	}
	m.mu.Unlock()
}

func (m *xhc_model) complete_command(t *trb, phys uintptr) {
	slot := uint8(t.control >> 24)
	if t.trb_type() == trb_type_enable_slot {
		slot = uint8(atomic.AddUint32(&m.next_slot, 1))
	}
	var e trb
	e.param = uint64(phys)
	e.status = uint32(CodeSuccess) << 24
	e.control = uint32(trb_type_command_completion)<<10 | uint32(slot)<<24
	m.post_event(&e)
}

func (m *xhc_model) post_port_event(p uint) {
	var e trb
	e.param = uint64(p) << 24
	e.status = uint32(CodeSuccess) << 24
	e.control = uint32(trb_type_port_status_change) << 10
	m.post_event(&e)
}

func (m *xhc_model) post_transfer_event(slot, dci uint8, code CompletionCode, residual uint32, phys uintptr) {
	var e trb
	e.param = uint64(phys)
	e.status = uint32(code)<<24 | residual&0xffffff
	e.control = uint32(trb_type_transfer_event)<<10 | uint32(dci)<<16 | uint32(slot)<<24
	m.post_event(&e)
}

func (m *xhc_model) post_event(e *trb) {
	m.mu.Lock()
	erstba := m.r64(model_erstba)
	if erstba == 0 {
		m.mu.Unlock()
		return
	}
	ent := (*erst_entry)(hw.DmaVirtAddress(uintptr(erstba) &^ 0x3f))
	s := (*trb)(hw.DmaVirtAddress(uintptr(ent.base) + uintptr(m.ev_enq)*trb_bytes))
	s.param, s.status = e.param, e.status
	hw.StoreUint32(&s.control, e.control&^trb_cycle|m.ev_pcs)
	m.ev_enq++
	if m.ev_enq == uint(ent.size) {
		m.ev_enq = 0
		m.ev_pcs ^= trb_cycle
	}
	m.or32(model_iman, iman_pending)
	m.or32(model_usb_status, sts_event_interrupt)
	m.mu.Unlock()
	m.d.Interrupt()
}

// connect/disconnect flip the connect status bit and latch the change,
// then raise the port status change event.
func (m *xhc_model) connect(p uint) {
	m.or32(m.port_off(p), portsc_connect_status|portsc_connect_status_change)
	m.post_port_event(p)
}

func (m *xhc_model) disconnect(p uint) {
	m.andnot32(m.port_off(p), portsc_connect_status|portsc_enabled)
	m.or32(m.port_off(p), portsc_connect_status_change|portsc_enabled_change)
	m.post_port_event(p)
}
