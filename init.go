// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"

	"github.com/platinasystems/xhci/hw"
	"github.com/platinasystems/xhci/hw/pci"
)

type Config struct {
	// Per-command completion deadline; default_command_timeout if zero.
	CommandTimeout time.Duration

	// Ring sizes in TRBs, Link TRB included.
	CommandRingTRBs uint
	EventRingTRBs   uint

	// Called from the event dispatcher on every port transition.
	// Must not block.
	PortChange func(*Controller, PortChangeEvent)
}

const (
	default_command_ring_trbs = 256
	default_event_ring_trbs   = 256

	// CNR must clear within this budget after power-on or reset.
	not_ready_budget = 1 * time.Second

	// Halt and host controller reset budgets.
	halt_budget  = 500 * time.Millisecond
	reset_budget = 500 * time.Millisecond
)

type Controller struct {
	id      uint
	cfg     Config
	pciDev  *pci.Device
	devicer pci.Devicer

	// BAR 0 contents; all register accessors index this.
	mmaped_regs []byte

	cap *cap_regs
	op  *op_regs
	run *runtime_regs
	db  *doorbell_regs

	page_bytes uint

	cmd   command_processor
	ev    event_dispatcher
	ctx   context_manager
	ports port_manager

	counters controller_counters

	// Terminal failure latch.  Once set every operation
	// short-circuits with dead_err; only Detach makes progress.
	failed    uint32
	dead      chan struct{}
	dead_once sync.Once
	dead_err  error

	PortChange func(*Controller, PortChangeEvent)
}

func (d *Controller) ID() uint { return d.id }

func (d *Controller) String() string { return fmt.Sprintf("xhci%d", d.id) }

// Fixed controller arena; ids are arena indices.
const MaxControllers = 8

var (
	registry_mu sync.Mutex
	registry    [MaxControllers]*Controller
	reserved    [MaxControllers]bool
)

// reserve_controller_id claims an arena slot without publishing the
// controller: clients must never find a half-initialized controller
// through the registry.
func reserve_controller_id(d *Controller) error {
	registry_mu.Lock()
	defer registry_mu.Unlock()
	for i := range registry {
		if registry[i] == nil && !reserved[i] {
			reserved[i] = true
			d.id = uint(i)
			return nil
		}
	}
	return ErrNoFreeController
}

// publish_controller makes the controller visible to GetController and
// Controllers.  Called only once bring-up has fully succeeded.
func publish_controller(d *Controller) {
	registry_mu.Lock()
	defer registry_mu.Unlock()
	registry[d.id] = d
}

func unregister_controller(d *Controller) {
	registry_mu.Lock()
	defer registry_mu.Unlock()
	reserved[d.id] = false
	if registry[d.id] == d {
		registry[d.id] = nil
	}
}

func GetController(id uint) *Controller {
	registry_mu.Lock()
	defer registry_mu.Unlock()
	if id >= MaxControllers {
		return nil
	}
	return registry[id]
}

func Controllers() (ds []*Controller) {
	registry_mu.Lock()
	defer registry_mu.Unlock()
	for _, d := range registry {
		if d != nil {
			ds = append(ds, d)
		}
	}
	return
}

func newController(dev pci.Devicer, cfg Config) (d *Controller, err error) {
	if cfg.CommandRingTRBs == 0 {
		cfg.CommandRingTRBs = default_command_ring_trbs
	}
	if cfg.EventRingTRBs == 0 {
		cfg.EventRingTRBs = default_event_ring_trbs
	}
	d = &Controller{
		cfg:        cfg,
		devicer:    dev,
		pciDev:     dev.GetDevice(),
		dead:       make(chan struct{}),
		PortChange: cfg.PortChange,
	}

	base, err := dev.MapResource(0)
	if err != nil {
		return nil, err
	}
	n := uint(1) << 16
	for i := range d.pciDev.Resources {
		if r := &d.pciDev.Resources[i]; r.Index == 0 && r.Size != 0 {
			n = uint(r.Size)
		}
	}
	d.mmaped_regs = unsafe.Slice((*byte)(unsafe.Pointer(base)), n)

	d.cap = (*cap_regs)(hw.BasePointer)
	d.op = (*op_regs)(unsafe.Pointer(hw.BaseAddress + uintptr(d.cap_length())))
	d.run = (*runtime_regs)(unsafe.Pointer(hw.BaseAddress + uintptr(d.cap.rts_off.get(d)&^0x1f)))
	d.db = (*doorbell_regs)(unsafe.Pointer(hw.BaseAddress + uintptr(d.cap.db_off.get(d)&^0x3)))
	return
}

func (d *Controller) poll(done func() bool, budget time.Duration) bool {
	b := &backoff.Backoff{
		Min:    100 * time.Microsecond,
		Max:    10 * time.Millisecond,
		Factor: 2,
	}
	start := time.Now()
	for !done() {
		if time.Since(start) > budget {
			return done()
		}
		time.Sleep(b.Duration())
	}
	return true
}

// wait_ready blocks until CNR clears.  Nothing is allocated before
// this succeeds, so a dead controller costs nothing but the wait.
func (d *Controller) wait_ready() error {
	ok := d.poll(func() bool {
		return d.op.usb_status.get(d)&sts_not_ready == 0
	}, not_ready_budget)
	if !ok {
		return ErrControllerNotReady
	}
	return nil
}

func (d *Controller) halt() error {
	d.op.usb_command.andnot(d, cmd_run)
	d.write_flush()
	ok := d.poll(func() bool {
		return d.op.usb_status.get(d)&sts_halted != 0
	}, halt_budget)
	if !ok {
		return ErrControllerFailed
	}
	return nil
}

// reset issues HCRST and waits for both the reset bit and CNR to clear.
func (d *Controller) reset() error {
	d.op.usb_command.or(d, cmd_reset)
	d.write_flush()
	ok := d.poll(func() bool {
		return d.op.usb_command.get(d)&cmd_reset == 0 &&
			d.op.usb_status.get(d)&sts_not_ready == 0
	}, reset_budget)
	if !ok {
		return ErrControllerNotReady
	}
	return nil
}

// Init brings the controller from power-on to running: reset, DCBAA
// and scratchpads, command ring, event ring, ports, then run.  On any
// error everything allocated so far is released and the controller is
// not registered.
func (d *Controller) Init() (err error) {
	if err = reserve_controller_id(d); err != nil {
		return
	}
	defer func() {
		if err != nil {
			d.teardown()
			unregister_controller(d)
		}
	}()

	if err = d.wait_ready(); err != nil {
		return
	}
	if err = d.halt(); err != nil {
		return
	}
	if err = d.reset(); err != nil {
		return
	}

	ps := uint(d.op.page_size.get(d)) & 0xffff
	d.page_bytes = 4096
	for i := uint(0); i < 16; i++ {
		if ps&(1<<i) != 0 {
			d.page_bytes = 1 << (12 + i)
			break
		}
	}

	d.counters.init(d.id)
	d.cmd.init(d.cfg.CommandTimeout)

	if err = d.ctx.init(d); err != nil {
		return
	}
	if d.cmd.ring, err = new_ring(d.cfg.CommandRingTRBs); err != nil {
		return
	}
	d.install_command_ring()
	if d.ev.ring, err = new_event_ring([]uint{d.cfg.EventRingTRBs}); err != nil {
		return
	}
	d.install_event_ring()

	d.op.config.set(d, reg(d.max_slots()))
	d.ports.init(d)

	d.op.usb_command.or(d, cmd_run|cmd_interrupter_enable|cmd_host_error_enable)
	d.write_flush()

	publish_controller(d)
	log.Printf("xhci%d: %s version %x.%02x, %d slots, %d ports, %d scratchpad pages",
		d.id, &d.pciDev.Addr, d.hci_version()>>8, d.hci_version()&0xff,
		d.max_slots(), d.n_ports(), d.scratchpad_count())
	return
}

func (d *Controller) is_failed() bool { return atomic.LoadUint32(&d.failed) != 0 }

func (d *Controller) check_alive() error {
	if d.is_failed() {
		return d.dead_error()
	}
	return nil
}

func (d *Controller) dead_error() error {
	if d.dead_err != nil {
		return d.dead_err
	}
	return ErrControllerGone
}

// enter_failed_state latches the terminal failure, wakes every pending
// command and resolves in-flight transfers.  Idempotent.
func (d *Controller) enter_failed_state(e error) {
	d.dead_once.Do(func() {
		d.dead_err = e
		atomic.StoreUint32(&d.failed, 1)
		close(d.dead)
		log.Printf("xhci%d: failed: %v", d.id, e)
		d.ctx.fail_all()
	})
}

func (cm *context_manager) fail_all() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i := range cm.slots {
		for _, tr := range cm.slots[i].eps {
			if tr != nil {
				tr.fail(CodeInvalid)
			}
		}
	}
}

func (d *Controller) teardown() {
	if d.cmd.ring != nil {
		d.cmd.ring.free()
		d.cmd.ring = nil
	}
	if d.ev.ring != nil {
		d.ev.ring.free()
		d.ev.ring = nil
	}
	d.ctx.release(d)
}

// Detach stops the controller and releases everything it owned.
// Pending commands resolve with ErrControllerGone.
func (d *Controller) Detach() error {
	d.enter_failed_state(ErrControllerGone)

	d.op.usb_command.andnot(d, cmd_run)
	d.write_flush()
	// Best effort; a wedged controller must not block detach.
	d.poll(func() bool {
		return d.op.usb_status.get(d)&sts_halted != 0
	}, halt_budget)

	// The dispatcher and command processor observe the failure latch;
	// take their locks once to be sure no one is mid-access.
	d.ev.mu.Lock()
	d.cmd.mu.Lock()
	d.teardown()
	d.cmd.mu.Unlock()
	d.ev.mu.Unlock()

	unregister_controller(d)
	return d.devicer.UnmapResource(0)
}

// PCI class driver: claims every serial bus controller with the xHCI
// programming interface.
type xhci_main struct {
	Config
}

func Register(cfg Config) error {
	return pci.SetClassDriver(&xhci_main{Config: cfg},
		pci.ClassID{DeviceClass: pci.Serial_USB, SoftwareInterface: pci.UsbXHCI})
}

func (m *xhci_main) DeviceMatch(dev pci.Devicer) (dd pci.DriverDevice, err error) {
	p := dev.GetDevice()
	if p.Config.DeviceClass != pci.Serial_USB || p.Config.SoftwareInterface != pci.UsbXHCI {
		return nil, fmt.Errorf("xhci: not an xhci controller: %s", p)
	}
	d, err := newController(dev, m.Config)
	if err != nil {
		return
	}
	return d, nil
}
