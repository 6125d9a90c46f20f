// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"code.hybscloud.com/viosock/transport"
	"code.hybscloud.com/viosock/transport/vsockdev"
)

func vsockDevice() (transport.Device, error) {
	return vsockdev.New(), nil
}
