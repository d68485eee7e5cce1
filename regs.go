// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Driver for USB xHCI host controllers.
package xhci

import (
	"unsafe"

	"github.com/platinasystems/xhci/hw"
)

type reg hw.U32

func (d *Controller) addr_for_offset32(offset uint) *uint32 {
	return (*uint32)(unsafe.Pointer(&d.mmaped_regs[offset]))
}

func (r *reg) offset() uint               { return uint(uintptr(unsafe.Pointer(r)) - hw.BaseAddress) }
func (r *reg) addr(d *Controller) *uint32 { return d.addr_for_offset32(r.offset()) }
func (r *reg) get(d *Controller) reg      { return reg(hw.LoadUint32(r.addr(d))) }
func (r *reg) set(d *Controller, v reg)   { hw.StoreUint32(r.addr(d), uint32(v)) }
func (r *reg) or(d *Controller, v reg) (x reg) {
	x = r.get(d) | v
	r.set(d, x)
	return
}
func (r *reg) andnot(d *Controller, v reg) (x reg) {
	x = r.get(d) &^ v
	r.set(d, x)
	return
}

// 64 bit register written as two 32 bit halves, low half first.
type addr [2]reg

func (a *addr) set(d *Controller, v uint64) {
	a[0].set(d, reg(v))
	a[1].set(d, reg(v>>32))
}

func (a *addr) get(d *Controller) uint64 {
	return uint64(a[0].get(d)) | uint64(a[1].get(d))<<32
}

const (
	// Port count field is 8 bits, interrupter count field is 11 bits,
	// slot id field is 8 bits.
	max_ports        = 256
	max_interrupters = 1024
	max_slots_limit  = 256
)

// Capability registers: read-only description of the controller,
// fixed at discovery.
type cap_regs struct {
	// [7:0] capability register block length
	// [31:16] interface version number (BCD)
	length_and_version reg

	// [7:0] max device slots
	// [18:8] max interrupters
	// [31:24] max ports
	hcs_params1 reg

	// [3:0] isochronous scheduling threshold
	// [7:4] log2 max event ring segment table entries
	// [25:21] max scratchpad buffers (bits 9:5)
	// [26] scratchpad restore
	// [31:27] max scratchpad buffers (bits 4:0)
	hcs_params2 reg

	// [7:0] U1 device exit latency (us)
	// [31:16] U2 device exit latency (us)
	hcs_params3 reg

	// [0] 64 bit addressing capability
	// [1] bandwidth negotiation capability
	// [2] 64 byte context size
	// [3] port power control
	// [4] port indicators
	// [31:16] extended capabilities pointer (32 bit words from register base)
	hcc_params1 reg

	// [31:2] doorbell array offset from register base
	db_off reg

	// [31:5] runtime register space offset from register base
	rts_off reg

	hcc_params2 reg
}

func (d *Controller) cap_length() uint     { return uint(d.cap.length_and_version.get(d) & 0xff) }
func (d *Controller) hci_version() uint16  { return uint16(d.cap.length_and_version.get(d) >> 16) }
func (d *Controller) max_slots() uint      { return uint(d.cap.hcs_params1.get(d) & 0xff) }
func (d *Controller) n_interrupters() uint { return uint(d.cap.hcs_params1.get(d) >> 8 & 0x7ff) }
func (d *Controller) n_ports() uint        { return uint(d.cap.hcs_params1.get(d) >> 24 & 0xff) }
func (d *Controller) ac64() bool           { return d.cap.hcc_params1.get(d)&(1<<0) != 0 }

// 64 byte device/endpoint contexts instead of 32 byte.
func (d *Controller) csz() bool { return d.cap.hcc_params1.get(d)&(1<<2) != 0 }

// Byte offset of first extended capability, 0 if none.
func (d *Controller) xecp_offset() uint { return uint(d.cap.hcc_params1.get(d)>>16) << 2 }

// The count is split non-adjacently: [25:21] holds bits 9:5 and
// [31:27] holds bits 4:0.
func (d *Controller) scratchpad_count() uint {
	v := d.cap.hcs_params2.get(d)
	hi, lo := uint(v>>21&0x1f), uint(v>>27&0x1f)
	return hi<<5 | lo
}

// Operational registers at register base + cap_length.
type op_regs struct {
	// [0] run/stop
	// [1] host controller reset
	// [2] interrupter enable
	// [3] host system error enable
	// [7] light host controller reset
	// [8]/[9] controller save/restore state
	// [10] enable wrap event
	usb_command reg

	// [0] halted
	// [2] host system error (write 1 to clear)
	// [3] event interrupt (write 1 to clear)
	// [4] port change detect (write 1 to clear)
	// [8]/[9] save/restore state status
	// [10] save/restore error
	// [11] controller not ready
	// [12] host controller error
	usb_status reg

	// [15:0] supported page sizes: bit n set means 2^(n+12) bytes
	page_size reg

	_ [0x14 - 0x0c]byte

	device_notification_control reg

	// [0] ring cycle state
	// [1] command stop
	// [2] command abort
	// [3] command ring running (read only)
	// [63:6] command ring pointer
	command_ring_control addr

	_ [0x30 - 0x20]byte

	// [63:6] device context base address array pointer
	dcbaap addr

	// [7:0] max device slots enabled
	config reg

	_ [0x400 - 0x3c]byte

	ports [max_ports]port_regs
}

const (
	cmd_run                = 1 << 0
	cmd_reset              = 1 << 1
	cmd_interrupter_enable = 1 << 2
	cmd_host_error_enable  = 1 << 3
)

const (
	sts_halted           = 1 << 0
	sts_host_sys_error   = 1 << 2
	sts_event_interrupt  = 1 << 3
	sts_port_change      = 1 << 4
	sts_not_ready        = 1 << 11
	sts_controller_error = 1 << 12
)

const (
	crcr_ring_cycle_state = 1 << 0
	crcr_command_stop     = 1 << 1
	crcr_command_abort    = 1 << 2
	crcr_ring_running     = 1 << 3
)

// One 16 byte register set per physical port.  Hardware flips bits on
// connect/disconnect at any time; change bits are write 1 to clear.
type port_regs struct {
	// [0] current connect status
	// [1] port enabled
	// [3] over-current active
	// [4] port reset
	// [8:5] port link state
	// [9] port power
	// [13:10] port speed
	// [17] connect status change
	// [18] port enabled change
	// [20] over-current change
	// [21] port reset change
	// [22] port link state change
	// [23] config error change
	status_control reg

	power_management reg
	link_info        reg
	_                reg
}

const (
	portsc_connect_status        = 1 << 0
	portsc_enabled               = 1 << 1
	portsc_reset                 = 1 << 4
	portsc_power                 = 1 << 9
	portsc_connect_status_change = 1 << 17
	portsc_enabled_change        = 1 << 18
	portsc_over_current_change   = 1 << 20
	portsc_reset_change          = 1 << 21
	portsc_link_state_change     = 1 << 22
	portsc_config_error_change   = 1 << 23

	portsc_change_mask = portsc_connect_status_change | portsc_enabled_change |
		portsc_over_current_change | portsc_reset_change |
		portsc_link_state_change | portsc_config_error_change
)

func (p *port_regs) speed(d *Controller) uint { return uint(p.status_control.get(d) >> 10 & 0xf) }

// Runtime registers at register base + rts_off.
type runtime_regs struct {
	// [13:0] microframe index
	mf_index reg

	_ [0x20 - 0x04]byte

	interrupters [max_interrupters]interrupter_regs
}

// 32 bytes per interrupter.
type interrupter_regs struct {
	// [0] interrupt pending (write 1 to clear)
	// [1] interrupt enable
	management reg

	// [15:0] interval in 250ns units
	// [31:16] counter
	moderation reg

	// [15:0] event ring segment table size (entries)
	erst_size reg

	_ reg

	// [63:6] event ring segment table base
	erst_base addr

	// [2:0] dequeue ERST segment index
	// [3] event handler busy (write 1 to clear)
	// [63:4] event ring dequeue pointer
	erst_dequeue addr
}

const (
	iman_pending = 1 << 0
	iman_enable  = 1 << 1

	erdp_handler_busy = 1 << 3
)

// Doorbell array at register base + db_off.  Writing rings the target:
// 0 on doorbell 0 for the command ring, endpoint DCI on a slot doorbell.
type doorbell_regs struct {
	bells [max_slots_limit]reg
}

// Write flush by reading status register.
func (d *Controller) write_flush() { d.op.usb_status.get(d) }
