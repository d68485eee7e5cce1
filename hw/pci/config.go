// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pci

import "unsafe"

// Config space access over the snapshot handed to us by the bus
// collaborator.

func (d *Device) ReadConfigUint32(o uint) (v uint32) {
	return *(*uint32)(unsafe.Pointer(&d.ConfigBytes[o]))
}
func (d *Device) WriteConfigUint32(o uint, value uint32) {
	*(*uint32)(unsafe.Pointer(&d.ConfigBytes[o])) = value
}
func (d *Device) ReadConfigUint16(o uint) (v uint16) {
	return *(*uint16)(unsafe.Pointer(&d.ConfigBytes[o]))
}
func (d *Device) WriteConfigUint16(o uint, value uint16) {
	*(*uint16)(unsafe.Pointer(&d.ConfigBytes[o])) = value
}
func (d *Device) ReadConfigUint8(o uint) (v uint8) {
	return d.ConfigBytes[o]
}
func (d *Device) WriteConfigUint8(o uint, value uint8) {
	d.ConfigBytes[o] = value
}
