// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"strconv"

	"code.hybscloud.com/viosock/transport"
)

// Addr is a virtual machine sockets address.
type Addr = transport.Addr

const (
	CIDAny  = transport.CIDAny
	PortAny = transport.PortAny
)

// ParseAddr resolves numeric node and service strings into an address.
// An empty or "*" node is CIDAny; an empty or "*" service is PortAny.
func ParseAddr(node, service string) (Addr, error) {
	a := Addr{CID: CIDAny, Port: PortAny}
	if node != "" && node != "*" {
		v, err := strconv.ParseUint(node, 10, 32)
		if err != nil {
			return Addr{}, ErrInvalidParameter
		}
		a.CID = uint32(v)
	}
	if service != "" && service != "*" {
		v, err := strconv.ParseUint(service, 10, 32)
		if err != nil {
			return Addr{}, ErrInvalidParameter
		}
		a.Port = uint32(v)
	}
	return a, nil
}
