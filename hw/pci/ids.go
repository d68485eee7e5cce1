// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pci

type DeviceClass uint16

const (
	Undefined        DeviceClass = 0x0000
	Storage_SATA     DeviceClass = 0x0106
	Network_Ethernet DeviceClass = 0x0200
	Bridge_Host      DeviceClass = 0x0600
	Bridge_PCI       DeviceClass = 0x0604
	Serial_Firewire  DeviceClass = 0x0c00
	Serial_USB       DeviceClass = 0x0c03
	Serial_SMBUS     DeviceClass = 0x0c05
	Wireless_RF      DeviceClass = 0x0d10
)

const (
	Broadcom VendorID = 0x14e4
	Intel    VendorID = 0x8086
	NEC      VendorID = 0x1033
	AMD      VendorID = 0x1022
)
