// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/xhci/hw/pci"
)

func start_controller(t *testing.T, mcfg model_config, cfg Config) (*xhc_model, *Controller) {
	t.Helper()
	m := new_model(mcfg)
	d, err := newController(m, cfg)
	require.NoError(t, err)
	m.start(d)
	require.NoError(t, d.Init())
	t.Cleanup(func() {
		m.close()
		d.Detach()
	})
	return m, d
}

func TestBringup(t *testing.T) {
	_, d := start_controller(t, model_config{n_slots: 32, n_ports: 4}, Config{})

	assert.Equal(t, d, GetController(d.ID()))
	n, assigned := d.Slots()
	assert.Equal(t, uint(32), n)
	assert.Empty(t, assigned)
	for i := range d.ctx.dcbaa[1:] {
		assert.Zerof(t, d.ctx.dcbaa[1+i], "dcbaa[%d]", 1+i)
	}
	assert.Equal(t, uint(4), d.PortCount())
	for p := uint(1); p <= 4; p++ {
		assert.Equal(t, PortDisconnected, d.PortStateOf(p))
	}
}

func TestScratchpads(t *testing.T) {
	_, d := start_controller(t, model_config{scratchpads: 3}, Config{})
	assert.Equal(t, uint(3), d.scratchpad_count())
	assert.NotZero(t, d.ctx.dcbaa[0])
}

// A controller whose CNR bit never clears must fail bring-up without
// allocating anything or claiming a registry slot.
func TestControllerNotReady(t *testing.T) {
	m := new_model(model_config{cnr_stuck: true})
	d, err := newController(m, Config{})
	require.NoError(t, err)
	m.start(d)
	defer m.close()

	require.ErrorIs(t, d.Init(), ErrControllerNotReady)
	assert.Nil(t, GetController(d.id))
}

func TestEnableDisableSlot(t *testing.T) {
	_, d := start_controller(t, model_config{}, Config{})

	slot, err := d.EnableSlot()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), slot)
	assert.NotZero(t, d.ctx.dcbaa[slot])

	slot2, err := d.EnableSlot()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), slot2)

	// Enabling an already-enabled slot is a programming error.
	assert.ErrorIs(t, d.ctx.enable(d, slot), ErrInvalidState)

	require.NoError(t, d.DisableSlot(slot))
	assert.Zero(t, d.ctx.dcbaa[slot])
	assert.ErrorIs(t, d.DisableSlot(slot), ErrInvalidState)

	_, assigned := d.Slots()
	assert.Equal(t, []uint8{slot2}, assigned)
}

func TestSlotLifecycle(t *testing.T) {
	_, d := start_controller(t, model_config{}, Config{})

	slot, err := d.EnableSlot()
	require.NoError(t, err)

	// Address Device is only legal from Enabled.
	require.NoError(t, d.AddressDevice(slot, 1, 4, 512))
	assert.ErrorIs(t, d.AddressDevice(slot, 1, 4, 512), ErrInvalidState)
	require.NotNil(t, d.Endpoint(slot, 1), "default endpoint ring")

	require.NoError(t, d.EvaluateContext(slot, 64))

	eps := []EndpointConfig{
		{DCI: 4, Type: EndpointBulkOut, MaxPacket: 512, RingTRBs: 8},
		{DCI: 5, Type: EndpointBulkIn, MaxPacket: 512, RingTRBs: 8},
	}
	require.NoError(t, d.ConfigureEndpoints(slot, eps))
	assert.NotNil(t, d.Endpoint(slot, 4))
	assert.NotNil(t, d.Endpoint(slot, 5))

	require.NoError(t, d.ResetEndpoint(slot, 4))
	require.NoError(t, d.StopEndpoint(slot, 4))
	tr := d.Endpoint(slot, 4)
	require.NoError(t, d.SetTRDequeue(slot, 4, tr.EnqueuePhys(), tr.CycleState()))

	require.NoError(t, d.DeconfigureEndpoints(slot))
	assert.Nil(t, d.Endpoint(slot, 4))
	assert.NotNil(t, d.Endpoint(slot, 1), "default endpoint survives deconfigure")

	require.NoError(t, d.ResetDevice(slot))
	assert.Nil(t, d.Endpoint(slot, 1), "reset device drops all endpoints")
	require.NoError(t, d.AddressDevice(slot, 1, 4, 512))

	require.NoError(t, d.DisableSlot(slot))
}

func TestCommandTimeout(t *testing.T) {
	m, d := start_controller(t, model_config{}, Config{CommandTimeout: 50 * time.Millisecond})

	before := d.counters.command_timeouts.Count()
	m.set_stalled(true)
	require.ErrorIs(t, d.NoOp(), ErrCommandTimeout)
	assert.Equal(t, before+1, d.counters.command_timeouts.Count())

	// The ring must be usable again after the abort.
	m.set_stalled(false)
	require.NoError(t, d.NoOp())
}

func TestTransfers(t *testing.T) {
	m, d := start_controller(t, model_config{}, Config{})

	slot, err := d.EnableSlot()
	require.NoError(t, err)
	require.NoError(t, d.AddressDevice(slot, 1, 4, 512))
	require.NoError(t, d.ConfigureEndpoints(slot, []EndpointConfig{
		{DCI: 4, Type: EndpointBulkOut, MaxPacket: 512, RingTRBs: 4},
	}))
	tr := d.Endpoint(slot, 4)
	require.NotNil(t, tr)

	// Capacity is 3: one slot holds the Link TRB.
	var phys [3]uintptr
	for i := range phys {
		phys[i], err = tr.SubmitNormal(0x10000, 512)
		require.NoError(t, err)
	}
	_, err = tr.SubmitNormal(0x10000, 512)
	assert.ErrorIs(t, err, ErrRingFull)

	m.post_transfer_event(slot, 4, CodeSuccess, 0, phys[0])
	m.post_transfer_event(slot, 4, CodeShortPacket, 12, phys[1])
	m.post_transfer_event(slot, 4, CodeStall, 512, phys[2])

	c := <-tr.Completions()
	assert.Equal(t, phys[0], c.TRB)
	assert.NoError(t, c.Err())

	c = <-tr.Completions()
	assert.Equal(t, CodeShortPacket, c.Code)
	assert.Equal(t, uint32(12), c.Residual)
	assert.NoError(t, c.Err(), "short packet is not a ring failure")

	c = <-tr.Completions()
	var te *TransferError
	require.ErrorAs(t, c.Err(), &te)
	assert.Equal(t, CodeStall, te.Code)

	// Completions freed ring slots.
	_, err = tr.SubmitNormal(0x10000, 512)
	require.NoError(t, err)
}

func TestPortConnectDisconnect(t *testing.T) {
	events := make(chan PortChangeEvent, 16)
	m, d := start_controller(t, model_config{}, Config{
		PortChange: func(d *Controller, e PortChangeEvent) { events <- e },
	})

	m.connect(1)
	e := <-events
	assert.Equal(t, uint(1), e.Port)
	assert.True(t, e.Connected)
	assert.Equal(t, PortDisconnected, d.PortStateOf(1))

	require.NoError(t, d.PortReset(1))
	require.Eventually(t, func() bool {
		return d.PortStateOf(1) == PortEnabled
	}, time.Second, time.Millisecond)
	e = <-events
	assert.Equal(t, PortEnabled, e.State)

	m.disconnect(1)
	e = <-events
	assert.False(t, e.Connected)
	assert.Equal(t, PortDisconnected, d.PortStateOf(1))

	assert.ErrorIs(t, d.PortReset(0), ErrInvalidState)
	assert.ErrorIs(t, d.PortReset(5), ErrInvalidState)
}

func TestPortPower(t *testing.T) {
	_, d := start_controller(t, model_config{}, Config{})
	require.NoError(t, d.PortPower(2, false))
	assert.Equal(t, PortPowerOff, d.PortStateOf(2))
	assert.ErrorIs(t, d.PortReset(2), ErrInvalidState)
	require.NoError(t, d.PortPower(2, true))
	assert.Equal(t, PortDisconnected, d.PortStateOf(2))
}

// Ports 1,2 are USB3 and 3,4 USB2 in the model's protocol
// capabilities; each connector exposes one port of each.
func TestPortPairing(t *testing.T) {
	_, d := start_controller(t, model_config{n_ports: 4}, Config{})
	assert.Equal(t, uint(3), d.PortPair(1))
	assert.Equal(t, uint(4), d.PortPair(2))
	assert.Equal(t, uint(1), d.PortPair(3))
	assert.Equal(t, uint(2), d.PortPair(4))
	assert.Zero(t, d.PortPair(0))
	assert.Zero(t, d.PortPair(5))
}

func TestDetach(t *testing.T) {
	m := new_model(model_config{})
	d, err := newController(m, Config{})
	require.NoError(t, err)
	m.start(d)
	require.NoError(t, d.Init())

	slot, err := d.EnableSlot()
	require.NoError(t, err)
	require.NoError(t, d.AddressDevice(slot, 1, 4, 512))

	id := d.ID()
	m.close()
	require.NoError(t, d.Detach())

	assert.Nil(t, GetController(id))
	assert.ErrorIs(t, d.NoOp(), ErrControllerGone)
	_, err = d.EnableSlot()
	assert.ErrorIs(t, err, ErrControllerGone)
}

// A controller must not be visible through the registry until Init
// has fully succeeded; a client polling the registry during the
// not-ready wait of a dead controller must never find it.
func TestRegistryHiddenDuringBringup(t *testing.T) {
	m := new_model(model_config{cnr_stuck: true})
	d, err := newController(m, Config{})
	require.NoError(t, err)
	m.start(d)
	defer m.close()

	done := make(chan error, 1)
	go func() { done <- d.Init() }()
	for {
		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrControllerNotReady)
			assert.Nil(t, GetController(d.id))
			return
		default:
			require.Empty(t, Controllers(), "controller visible before Init finished")
			time.Sleep(time.Millisecond)
		}
	}
}

// A late interrupt delivered after detach is ignored: the registers
// and rings are gone by then.
func TestInterruptAfterDetach(t *testing.T) {
	m := new_model(model_config{})
	d, err := newController(m, Config{})
	require.NoError(t, err)
	m.start(d)
	require.NoError(t, d.Init())

	m.close()
	require.NoError(t, d.Detach())
	d.Interrupt()
	d.Interrupt()
	assert.ErrorIs(t, d.NoOp(), ErrControllerGone)
}

func TestDeviceMatch(t *testing.T) {
	m := new_model(model_config{})
	drv := &xhci_main{}

	dd, err := drv.DeviceMatch(m)
	require.NoError(t, err)
	require.NotNil(t, dd)

	var other xhc_model
	other.bar = make([]byte, model_bar_bytes)
	other.dev.Config.DeviceClass = pci.Network_Ethernet
	_, err = drv.DeviceMatch(&other)
	assert.Error(t, err)
}
