// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"errors"
	"fmt"
)

var (
	// Controller-not-ready never cleared within the init budget;
	// fatal to that controller's bring-up.
	ErrControllerNotReady = errors.New("xhci: controller not ready")

	// No completion within the command timeout.  Recoverable: the
	// ring is aborted and restarted before the next command.
	ErrCommandTimeout = errors.New("xhci: command timeout")

	// Local programming error (double slot enable, command on a
	// disabled slot).  Never silently corrected.
	ErrInvalidState = errors.New("xhci: invalid state")

	// Host controller error: the controller is in a terminal failed
	// state and all operations short-circuit.
	ErrControllerFailed = errors.New("xhci: host controller error")

	// Controller was detached while the operation was pending.
	ErrControllerGone = errors.New("xhci: controller detached")

	ErrRingTooSmall = errors.New("xhci: ring has no payload capacity")
	ErrRingFull     = errors.New("xhci: ring full")

	ErrNoFreeController = errors.New("xhci: controller registry full")
)

// Hardware-reported command failure, surfaced verbatim.
type CommandError struct {
	Code CompletionCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("xhci: command failed: %s", e.Code)
}

// Hardware-reported transfer failure.  Short-packet handling is
// endpoint policy and is decided by the endpoint owner, not here.
type TransferError struct {
	Code     CompletionCode
	Residual uint32
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("xhci: transfer failed: %s (residual %d)", e.Code, e.Residual)
}
