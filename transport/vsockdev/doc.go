// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package vsockdev is a [transport.Device] over Linux AF_VSOCK sockets,
// built on [github.com/mdlayher/vsock].
//
// BIND records the local address; the port is claimed when the socket
// listens. Connecting sockets are bound to an ephemeral port by the
// kernel.
package vsockdev
