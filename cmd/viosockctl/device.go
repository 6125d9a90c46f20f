// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"code.hybscloud.com/viosock/config"
	"code.hybscloud.com/viosock/transport"
	"code.hybscloud.com/viosock/transport/loopback"
)

func openDevice(c config.Transport) (transport.Device, error) {
	switch c.Kind {
	case config.TransportLoopback:
		return loopback.New(loopback.WithCID(c.CID)), nil
	case config.TransportVsock:
		return vsockDevice()
	}
	return nil, fmt.Errorf("transport %q: unknown kind", c.Kind)
}
