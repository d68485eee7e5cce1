// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Per-controller counters in the default metrics registry, named
// xhciN.<counter>.
type controller_counters struct {
	interrupts          metrics.Counter
	commands            metrics.Counter
	command_timeouts    metrics.Counter
	transfers           metrics.Counter
	command_events      metrics.Counter
	transfer_events     metrics.Counter
	port_events         metrics.Counter
	port_changes        metrics.Counter
	orphan_events       metrics.Counter
	dropped_completions metrics.Counter
}

func (c *controller_counters) init(id uint) {
	n := func(s string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("xhci%d.%s", id, s), nil)
	}
	c.interrupts = n("interrupts")
	c.commands = n("commands")
	c.command_timeouts = n("command_timeouts")
	c.transfers = n("transfers")
	c.command_events = n("events.command")
	c.transfer_events = n("events.transfer")
	c.port_events = n("events.port")
	c.port_changes = n("port_changes")
	c.orphan_events = n("events.orphan")
	c.dropped_completions = n("completions.dropped")
}
