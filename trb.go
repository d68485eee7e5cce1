// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import "fmt"

// Transfer Request Block: the 16 byte unit of every ring.
type trb struct {
	param  uint64
	status uint32

	// [0] cycle bit
	// [1] evaluate next / toggle cycle (link)
	// [5] interrupt on completion
	// [15:10] trb type
	// [31:16] type specific
	control uint32
}

const (
	trb_bytes      = 16
	log2_trb_bytes = 4
)

const (
	trb_cycle        = 1 << 0
	trb_toggle_cycle = 1 << 1
	trb_ioc          = 1 << 5
)

const (
	trb_type_normal                = 1
	trb_type_setup_stage           = 2
	trb_type_data_stage            = 3
	trb_type_status_stage          = 4
	trb_type_isoch                 = 5
	trb_type_link                  = 6
	trb_type_event_data            = 7
	trb_type_no_op                 = 8
	trb_type_enable_slot           = 9
	trb_type_disable_slot          = 10
	trb_type_address_device        = 11
	trb_type_configure_endpoint    = 12
	trb_type_evaluate_context      = 13
	trb_type_reset_endpoint        = 14
	trb_type_stop_endpoint         = 15
	trb_type_set_tr_dequeue        = 16
	trb_type_reset_device          = 17
	trb_type_no_op_command         = 23
	trb_type_transfer_event        = 32
	trb_type_command_completion    = 33
	trb_type_port_status_change    = 34
	trb_type_host_controller_event = 37
)

func (t *trb) trb_type() uint8   { return uint8(t.control >> 10 & 0x3f) }
func (t *trb) cycle_bit() uint32 { return t.control & trb_cycle }

func (t *trb) set_type(tp uint8) { t.control = t.control&^(0x3f<<10) | uint32(tp)<<10 }

// Completion code carried in event TRB status [31:24].
type CompletionCode uint8

const (
	CodeInvalid              CompletionCode = 0
	CodeSuccess              CompletionCode = 1
	CodeDataBufferError      CompletionCode = 2
	CodeBabbleDetected       CompletionCode = 3
	CodeTransactionError     CompletionCode = 4
	CodeTRBError             CompletionCode = 5
	CodeStall                CompletionCode = 6
	CodeResourceError        CompletionCode = 7
	CodeBandwidthError       CompletionCode = 8
	CodeNoSlotsAvailable     CompletionCode = 9
	CodeSlotNotEnabled       CompletionCode = 11
	CodeEndpointNotEnabled   CompletionCode = 12
	CodeShortPacket          CompletionCode = 13
	CodeRingUnderrun         CompletionCode = 14
	CodeRingOverrun          CompletionCode = 15
	CodeParameterError       CompletionCode = 17
	CodeContextStateError    CompletionCode = 19
	CodeCommandRingStopped   CompletionCode = 24
	CodeCommandAborted       CompletionCode = 25
	CodeStopped              CompletionCode = 26
	CodeStoppedLengthInvalid CompletionCode = 27
)

var completionCodeStrings = [...]string{
	CodeInvalid:              "invalid",
	CodeSuccess:              "success",
	CodeDataBufferError:      "data buffer error",
	CodeBabbleDetected:       "babble detected",
	CodeTransactionError:     "usb transaction error",
	CodeTRBError:             "trb error",
	CodeStall:                "stall",
	CodeResourceError:        "resource error",
	CodeBandwidthError:       "bandwidth error",
	CodeNoSlotsAvailable:     "no slots available",
	CodeSlotNotEnabled:       "slot not enabled",
	CodeEndpointNotEnabled:   "endpoint not enabled",
	CodeShortPacket:          "short packet",
	CodeRingUnderrun:         "ring underrun",
	CodeRingOverrun:          "ring overrun",
	CodeParameterError:       "parameter error",
	CodeContextStateError:    "context state error",
	CodeCommandRingStopped:   "command ring stopped",
	CodeCommandAborted:       "command aborted",
	CodeStopped:              "stopped",
	CodeStoppedLengthInvalid: "stopped, length invalid",
}

func (c CompletionCode) String() string {
	if int(c) < len(completionCodeStrings) && completionCodeStrings[c] != "" {
		return completionCodeStrings[c]
	}
	return fmt.Sprintf("completion code %d", uint8(c))
}

// Event TRB field extraction.

// Command completion: param [63:4] command TRB pointer,
// status [23:0] parameter [31:24] code, control [31:24] slot id.
func (t *trb) event_command_pointer() uintptr   { return uintptr(t.param &^ 0xf) }
func (t *trb) event_completion() CompletionCode { return CompletionCode(t.status >> 24) }
func (t *trb) event_completion_param() uint32   { return t.status & 0xffffff }
func (t *trb) event_slot_id() uint8             { return uint8(t.control >> 24) }

// Transfer event: status [23:0] residual transfer length,
// control [20:16] endpoint DCI.
func (t *trb) event_transfer_residual() uint32 { return t.status & 0xffffff }
func (t *trb) event_endpoint_dci() uint8       { return uint8(t.control >> 16 & 0x1f) }

// Port status change: param [31:24] 1-based port id.
func (t *trb) event_port_id() uint { return uint(t.param >> 24 & 0xff) }

func (t *trb) String() (s string) {
	s = fmt.Sprintf("type %d cycle %d", t.trb_type(), t.cycle_bit())
	switch t.trb_type() {
	case trb_type_link:
		s += fmt.Sprintf(", link -> 0x%x", t.param&^0xf)
	case trb_type_command_completion:
		s += fmt.Sprintf(", cmd 0x%x %s slot %d",
			t.event_command_pointer(), t.event_completion(), t.event_slot_id())
	case trb_type_transfer_event:
		s += fmt.Sprintf(", %s slot %d dci %d residual %d",
			t.event_completion(), t.event_slot_id(), t.event_endpoint_dci(),
			t.event_transfer_residual())
	case trb_type_port_status_change:
		s += fmt.Sprintf(", port %d", t.event_port_id())
	}
	return
}
