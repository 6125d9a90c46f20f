// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"errors"

	pkgerrors "github.com/pkg/errors"

	"code.hybscloud.com/viosock/transport"
)

var (
	// ErrPending is returned by dispatch entry points that accepted the
	// operation. The terminal status arrives through the Operation.
	ErrPending = errors.New("viosock: operation pending")

	// ErrClosing reports that the socket or provider is being torn down.
	ErrClosing = errors.New("viosock: socket closing")

	// ErrCanceled is the terminal status of a canceled operation.
	ErrCanceled = errors.New("viosock: operation canceled")

	ErrInvalidFlavor    = errors.New("viosock: operation not valid for socket flavor")
	ErrInvalidParameter = errors.New("viosock: invalid parameter")
	ErrNotSupported     = errors.New("viosock: not supported")
	ErrNotImplemented   = errors.New("viosock: not implemented")

	// ErrPeerClosed ends a write chain whose segment moved no bytes, or a
	// read chain that received nothing before end of stream.
	ErrPeerClosed = errors.New("viosock: peer closed")

	// ErrBackpressure ends a write chain whose segment moved fewer bytes
	// than requested.
	ErrBackpressure = errors.New("viosock: short write")

	// ErrQueueClosed is returned when queueing onto a stopped work queue.
	ErrQueueClosed = errors.New("viosock: work queue closed")
)

// status normalizes a transport completion status.
func status(err error) error {
	if errors.Is(err, transport.ErrCanceled) {
		return ErrCanceled
	}
	return err
}

// statusLabel classifies err for metrics.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrClosing):
		return "closing"
	case errors.Is(err, ErrPeerClosed), errors.Is(err, ErrBackpressure):
		return "short"
	}
	return "error"
}

// contextf prefixes *errp with a message, keeping it matchable by
// errors.Is.
func contextf(errp *error, format string, argv ...any) {
	if *errp != nil {
		*errp = pkgerrors.WithMessagef(*errp, format, argv...)
	}
}
