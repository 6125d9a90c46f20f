// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import "errors"

// Completion statuses reported by endpoints.
var (
	ErrClosed            = errors.New("transport: endpoint closed")
	ErrCanceled          = errors.New("transport: exchange canceled")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrAddressInUse      = errors.New("transport: address in use")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrInvalidState      = errors.New("transport: invalid endpoint state")
	ErrUnsupportedOp     = errors.New("transport: unsupported operation")
)
