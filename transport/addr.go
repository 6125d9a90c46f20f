// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"strconv"
)

// Well-known context identifiers.
const (
	CIDHypervisor uint32 = 0
	CIDLocal      uint32 = 1
	CIDHost       uint32 = 2

	// CIDAny is the unspecified context identifier. A connect to CIDAny
	// targets the local context.
	CIDAny uint32 = 0xFFFFFFFF
)

// PortAny is the unspecified port. Binding to PortAny picks an ephemeral port.
const PortAny uint32 = 0xFFFFFFFF

// Addr is a virtual machine sockets address.
type Addr struct {
	CID  uint32
	Port uint32
}

// Unspecified reports whether the context identifier is CIDAny.
func (a Addr) Unspecified() bool {
	return a.CID == CIDAny
}

// Node returns the numeric node form of the context identifier.
func (a Addr) Node() string {
	if a.CID == CIDAny {
		return "*"
	}
	return strconv.FormatUint(uint64(a.CID), 10)
}

// Service returns the numeric service form of the port.
func (a Addr) Service() string {
	if a.Port == PortAny {
		return "*"
	}
	return strconv.FormatUint(uint64(a.Port), 10)
}

func (a Addr) String() string {
	return "vsock:" + a.Node() + ":" + a.Service()
}
