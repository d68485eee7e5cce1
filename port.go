// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/platinasystems/log"

	"github.com/platinasystems/xhci/hw"
)

type PortState uint8

const (
	PortPowerOff PortState = iota
	PortDisconnected
	PortResetting
	PortEnabled
	PortDisabled
)

var portStateStrings = [...]string{
	PortPowerOff:     "powered off",
	PortDisconnected: "disconnected",
	PortResetting:    "resetting",
	PortEnabled:      "enabled",
	PortDisabled:     "disabled",
}

func (s PortState) String() string { return portStateStrings[s] }

// PortChangeEvent describes one observed port transition.
type PortChangeEvent struct {
	Port      uint
	State     PortState
	Connected bool
	Speed     uint
}

type port struct {
	state PortState

	// Sibling port on the same physical connector, 0 if unpaired.
	// USB3 and USB2 ports of one connector appear as two register
	// sets.
	paired uint

	// Protocol major revision from the Supported Protocol capability.
	major uint8
}

func (p *port) usb3() bool { return p.major >= 3 }

// Port manager: mirrors PORTSC state for ports 1..n and owns the
// connector pairing derived from extended capabilities.
type port_manager struct {
	mu    sync.Mutex
	ports []port // indexed by 1-based port id, entry 0 unused
}

func (pm *port_manager) init(d *Controller) {
	pm.ports = make([]port, d.n_ports()+1)
	pm.scan_protocols(d)
	for i := 1; i < len(pm.ports); i++ {
		// Ports with a device already attached stay Disconnected
		// until the latched connect change event promotes them.
		v := d.op.ports[i-1].status_control.get(d)
		s := PortDisconnected
		if v&portsc_power == 0 {
			s = PortPowerOff
		}
		pm.ports[i].state = s
	}
}

// Extended capability list: dword 0 is [7:0] id, [15:8] next pointer in
// dwords.  Capability 2 (Supported Protocol) names a protocol revision
// and the contiguous port range speaking it.
const (
	xcap_legacy_support     = 1
	xcap_supported_protocol = 2

	// "USB " in dword 1 of a Supported Protocol capability.
	protocol_name_usb = 0x20425355
)

func (d *Controller) read_xcap_dword(offset, dw uint) uint32 {
	return hw.LoadUint32(d.addr_for_offset32(offset + dw*4))
}

type protocol_range struct {
	major       uint8
	first_port  uint
	n_ports     uint
	name        uint32
	xcap_offset uint
}

func (d *Controller) protocol_ranges() (rs []protocol_range) {
	o := d.xecp_offset()
	for o != 0 {
		dw0 := d.read_xcap_dword(o, 0)
		if dw0&0xff == xcap_supported_protocol {
			dw2 := d.read_xcap_dword(o, 2)
			rs = append(rs, protocol_range{
				major:       uint8(dw0 >> 24),
				first_port:  uint(dw2 & 0xff),
				n_ports:     uint(dw2 >> 8 & 0xff),
				name:        d.read_xcap_dword(o, 1),
				xcap_offset: o,
			})
		}
		next := uint(dw0 >> 8 & 0xff)
		if next == 0 {
			break
		}
		o += next << 2
	}
	return
}

// scan_protocols tags each port with its protocol revision and pairs
// the i-th port of each USB3 range with the i-th port of a USB2 range:
// both register sets belong to one physical connector.
func (pm *port_manager) scan_protocols(d *Controller) {
	rs := d.protocol_ranges()
	for _, r := range rs {
		if r.name != protocol_name_usb {
			continue
		}
		for i := uint(0); i < r.n_ports; i++ {
			p := r.first_port + i
			if int(p) < len(pm.ports) {
				pm.ports[p].major = r.major
			}
		}
	}
	for _, r3 := range rs {
		if r3.major < 3 || r3.name != protocol_name_usb {
			continue
		}
		for _, r2 := range rs {
			if r2.major != 2 || r2.name != protocol_name_usb || r2.n_ports != r3.n_ports {
				continue
			}
			for i := uint(0); i < r3.n_ports; i++ {
				a, b := r3.first_port+i, r2.first_port+i
				if int(a) >= len(pm.ports) || int(b) >= len(pm.ports) {
					continue
				}
				if pm.ports[a].paired == 0 && pm.ports[b].paired == 0 {
					pm.ports[a].paired = b
					pm.ports[b].paired = a
				}
			}
			break
		}
	}
}

// port_status_change folds a Port Status Change event into the port
// state machine.  Change bits are write 1 to clear; the write must not
// set PED or PR, which have side effects of their own.
func (d *Controller) port_status_change(id uint) {
	pm := &d.ports
	pm.mu.Lock()
	if id == 0 || int(id) >= len(pm.ports) {
		pm.mu.Unlock()
		d.counters.orphan_events.Inc(1)
		log.Printf("xhci%d: port change event for unknown port %d", d.id, id)
		return
	}
	preg := &d.op.ports[id-1]
	v := preg.status_control.get(d)

	p := &pm.ports[id]
	old := p.state
	switch {
	case v&portsc_power == 0:
		p.state = PortPowerOff
	case v&portsc_reset != 0:
		p.state = PortResetting
	case v&portsc_connect_status == 0:
		p.state = PortDisconnected
	case v&portsc_enabled != 0:
		p.state = PortEnabled
	case old == PortResetting || old == PortEnabled:
		// Connected but not enabled after a reset or an enable:
		// hardware disabled the port.
		p.state = PortDisabled
	default:
		p.state = PortDisconnected
	}
	new_state := p.state

	// Preserve non-change bits, clear only the latched changes.
	clear := v & portsc_change_mask
	preg.status_control.set(d, v&^(portsc_change_mask|portsc_enabled|portsc_reset)|clear)

	pm.mu.Unlock()

	d.counters.port_changes.Inc(1)
	if old != new_state {
		log.Printf("xhci%d: port %d %s -> %s", d.id, id, old, new_state)
	}
	if f := d.PortChange; f != nil {
		f(d, PortChangeEvent{
			Port:      id,
			State:     new_state,
			Connected: v&portsc_connect_status != 0,
			Speed:     uint(v >> 10 & 0xf),
		})
	}
}

// PortReset starts a port reset; completion arrives as a later port
// status change with the reset change bit latched.
func (d *Controller) PortReset(id uint) error {
	if err := d.check_alive(); err != nil {
		return err
	}
	pm := &d.ports
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if id == 0 || int(id) >= len(pm.ports) {
		return ErrInvalidState
	}
	p := &pm.ports[id]
	if p.state == PortPowerOff {
		return ErrInvalidState
	}
	preg := &d.op.ports[id-1]
	v := preg.status_control.get(d)
	preg.status_control.set(d, v&^(portsc_change_mask|portsc_enabled)|portsc_reset)
	d.write_flush()
	p.state = PortResetting
	return nil
}

// PortPower turns port power on or off when the controller supports
// per-port power switching.
func (d *Controller) PortPower(id uint, on bool) error {
	if err := d.check_alive(); err != nil {
		return err
	}
	pm := &d.ports
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if id == 0 || int(id) >= len(pm.ports) {
		return ErrInvalidState
	}
	preg := &d.op.ports[id-1]
	v := preg.status_control.get(d) &^ (portsc_change_mask | portsc_enabled | portsc_reset)
	if on {
		preg.status_control.set(d, v|portsc_power)
		pm.ports[id].state = PortDisconnected
	} else {
		preg.status_control.set(d, v&^portsc_power)
		pm.ports[id].state = PortPowerOff
	}
	d.write_flush()
	return nil
}

func (d *Controller) PortCount() uint { return uint(len(d.ports.ports)) - 1 }

func (d *Controller) PortStateOf(id uint) PortState {
	pm := &d.ports
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if id == 0 || int(id) >= len(pm.ports) {
		return PortPowerOff
	}
	return pm.ports[id].state
}

// PortPair returns the sibling register set of the same physical
// connector, 0 if the port is unpaired.
func (d *Controller) PortPair(id uint) uint {
	pm := &d.ports
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if id == 0 || int(id) >= len(pm.ports) {
		return 0
	}
	return pm.ports[id].paired
}
